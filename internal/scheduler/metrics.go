package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler counters and gauges.
type Metrics struct {
	FiresTotal      *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	ActiveSchedules prometheus.Gauge
	SweepRepairs    prometheus.Counter
	BreakerTrips    prometheus.Counter
}

// NewMetrics registers the scheduler metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FiresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecrest",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Schedule fires by outcome.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pagecrest",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of backup runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ActiveSchedules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagecrest",
			Subsystem: "scheduler",
			Name:      "active_schedules",
			Help:      "Schedules currently registered with the cron runtime.",
		}),
		SweepRepairs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecrest",
			Subsystem: "scheduler",
			Name:      "sweep_repairs_total",
			Help:      "Schedules repaired by the health sweep.",
		}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecrest",
			Subsystem: "scheduler",
			Name:      "breaker_trips_total",
			Help:      "Schedules disabled after repeated consecutive failures.",
		}),
	}
}
