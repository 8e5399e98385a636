package scheduler

import (
	"context"
	"time"

	"github.com/pagecrest/pagecrest/internal/cronexpr"
)

// sweepLoop periodically repairs schedules whose cron entries went
// missing, which happens after panics swallowed by the cron recovery
// chain or registry desync after partial failures.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(context.Background())
		}
	}
}

// sweepOnce finds enabled schedules whose next run is well in the past
// with no recent run to explain it, then re-registers them with a
// fresh fire time. Safe to run repeatedly: healthy schedules never
// match the stuck criteria.
func (s *Service) sweepOnce(ctx context.Context) {
	now := time.Now()
	stuck, err := s.store.GetStuckBackupSchedules(ctx,
		now.Add(-s.cfg.StuckNextRunAge),
		now.Add(-s.cfg.StuckLastRunAge),
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("Health sweep query failed")
		return
	}
	if len(stuck) == 0 {
		return
	}

	s.logger.Warn().Int("count", len(stuck)).Msg("Health sweep found stuck schedules")

	for _, schedule := range stuck {
		log := s.logger.With().Str("schedule_id", schedule.ID.String()).Logger()

		next, err := cronexpr.Next(schedule.CronExpression, schedule.Timezone, now)
		if err != nil {
			log.Error().Err(err).Msg("Stuck schedule has an unevaluable cron expression")
			continue
		}
		schedule.NextRunAt = &next
		if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
			log.Error().Err(err).Msg("Failed to persist repaired next run")
			continue
		}

		s.unregister(schedule.ID)
		if err := s.register(schedule); err != nil {
			log.Error().Err(err).Msg("Failed to re-register stuck schedule")
			continue
		}

		if s.metrics != nil {
			s.metrics.SweepRepairs.Inc()
		}
		log.Info().Time("next_run_at", next).Msg("Stuck schedule repaired")
	}
}
