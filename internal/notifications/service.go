package notifications

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecrest/pagecrest/internal/models"
)

// RunResult summarizes one finished backup run for notification.
type RunResult struct {
	Backup   *models.Backup
	Status   models.RunStatus
	Error    string
	Duration time.Duration
}

// Notifier delivers a run outcome through one channel.
type Notifier interface {
	NotifyRunComplete(ctx context.Context, schedule *models.BackupSchedule, result RunResult) error
}

// Service fans run outcomes out to the configured notifiers, honoring
// each schedule's notify flags. Delivery failures are logged and never
// affect the run outcome.
type Service struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewService creates a notification service. With no notifiers it is a
// functional no-op.
func NewService(logger zerolog.Logger, notifiers ...Notifier) *Service {
	return &Service{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "notifications").Logger(),
	}
}

// NotifyRunComplete dispatches the result when the schedule asks for
// notification on this outcome.
func (s *Service) NotifyRunComplete(ctx context.Context, schedule *models.BackupSchedule, result RunResult) {
	switch result.Status {
	case models.RunStatusSuccess:
		if !schedule.NotifyOnSuccess {
			return
		}
	case models.RunStatusFailed:
		if !schedule.NotifyOnFailure {
			return
		}
	default:
		return
	}

	for _, n := range s.notifiers {
		if err := n.NotifyRunComplete(ctx, schedule, result); err != nil {
			s.logger.Warn().
				Err(err).
				Str("schedule_id", schedule.ID.String()).
				Str("status", string(result.Status)).
				Msg("Notification delivery failed")
		}
	}
}
