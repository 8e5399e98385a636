package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagecrest/pagecrest/internal/backup"
	"github.com/pagecrest/pagecrest/internal/cronexpr"
	"github.com/pagecrest/pagecrest/internal/db"
	"github.com/pagecrest/pagecrest/internal/models"
	"github.com/pagecrest/pagecrest/internal/notifications"
)

const (
	// maxConsecutiveFailures is the circuit breaker threshold. A
	// schedule that fails this many times in a row is disabled until
	// an operator re-enables it.
	maxConsecutiveFailures = 5

	runTimeoutMessage = "Backup timeout exceeded"
)

// Execute drives one fire of a schedule from dispatch to terminal
// outcome. It is called by cron entries and by manual triggers.
func (s *Service) Execute(ctx context.Context, scheduleID uuid.UUID) {
	log := s.logger.With().Str("schedule_id", scheduleID.String()).Logger()

	if !s.tryAcquire(scheduleID) {
		log.Warn().Msg("Previous run still in flight, skipping this fire")
		if s.metrics != nil {
			s.metrics.FiresTotal.WithLabelValues("skipped").Inc()
		}
		return
	}
	defer s.release(scheduleID)

	// Always reload: the row may have been disabled or reconfigured
	// since this cron entry was registered.
	schedule, err := s.store.GetBackupSchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn().Msg("Schedule no longer exists, removing registry entry")
			s.unregister(scheduleID)
			return
		}
		log.Error().Err(err).Msg("Failed to load schedule for run")
		return
	}
	if !schedule.Enabled {
		log.Debug().Msg("Schedule disabled, skipping fire")
		if s.metrics != nil {
			s.metrics.FiresTotal.WithLabelValues("skipped").Inc()
		}
		return
	}

	// Persist run bookkeeping before dispatch so a crash mid-run still
	// leaves an accurate trail for the health sweep.
	now := time.Now()
	schedule.LastRunAt = &now
	if next, err := cronexpr.Next(schedule.CronExpression, schedule.Timezone, now); err == nil {
		schedule.NextRunAt = &next
	} else {
		log.Error().Err(err).Msg("Failed to evaluate next run time")
	}
	if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
		log.Error().Err(err).Msg("Failed to persist run bookkeeping")
	}

	started := time.Now()
	run, err := s.dispatch(ctx, schedule, now)
	if err != nil {
		s.finishFailure(ctx, log, schedule, nil, started, fmt.Sprintf("failed to start backup: %v", err))
		return
	}
	log = log.With().Str("backup_id", run.ID.String()).Logger()

	final, err := s.awaitCompletion(ctx, schedule, run.ID)
	if err != nil {
		s.finishFailure(ctx, log, schedule, final, started, err.Error())
		return
	}
	if final.Status == models.BackupStatusFailed {
		s.finishFailure(ctx, log, schedule, final, started, final.ErrorMessage)
		return
	}

	s.finishSuccess(ctx, log, schedule, final, started)
}

func (s *Service) dispatch(ctx context.Context, schedule *models.BackupSchedule, firedAt time.Time) (*models.Backup, error) {
	params := backup.CreateParams{
		Name:          fmt.Sprintf("Scheduled %s - %s", schedule.Name, firedAt.UTC().Format(time.RFC3339)),
		Type:          schedule.BackupType,
		Compression:   schedule.Compression,
		RetentionDays: schedule.RetentionDays,
		Tags:          schedule.RunTags(),
		Automatic:     true,
		ScheduleID:    &schedule.ID,
	}

	switch schedule.Kind {
	case models.ScheduleKindDatabase:
		return s.gateway.CreateDatabaseBackup(ctx, schedule.TenantID, params)
	case models.ScheduleKindSystem:
		return s.gateway.CreateSystemBackup(ctx, schedule.TenantID, params)
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
}

// awaitCompletion polls the gateway until the run reaches a terminal
// status or the timeout budget is spent. When the gateway stops
// tracking the run the store is the source of truth.
func (s *Service) awaitCompletion(ctx context.Context, schedule *models.BackupSchedule, backupID uuid.UUID) (*models.Backup, error) {
	timeout := schedule.RunTimeout(s.cfg.DefaultRunTimeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return nil, errors.New(runTimeoutMessage)
		case <-ticker.C:
			run, err := s.gateway.PollStatus(ctx, backupID)
			if err != nil {
				s.logger.Warn().Err(err).Str("backup_id", backupID.String()).Msg("Poll failed, retrying")
				continue
			}
			if run == nil {
				run, err = s.store.GetBackupByID(ctx, backupID)
				if err != nil {
					return nil, fmt.Errorf("backup run disappeared: %w", err)
				}
			}
			if run.IsComplete() {
				return run, nil
			}
		}
	}
}

func (s *Service) finishSuccess(ctx context.Context, log zerolog.Logger, schedule *models.BackupSchedule, run *models.Backup, started time.Time) {
	duration := time.Since(started)

	if schedule.MaxSizeBytes != nil && run.SizeBytes > *schedule.MaxSizeBytes {
		log.Warn().
			Int64("size_bytes", run.SizeBytes).
			Int64("max_size_bytes", *schedule.MaxSizeBytes).
			Msg("Artifact exceeds the schedule's size limit")
	}

	schedule.RecordSuccess(time.Now())
	if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
		log.Error().Err(err).Msg("Failed to persist run outcome")
	}

	s.applyRetention(ctx, log, schedule)

	if s.metrics != nil {
		s.metrics.FiresTotal.WithLabelValues("success").Inc()
		s.metrics.RunDuration.Observe(duration.Seconds())
	}
	if s.notifier != nil {
		s.notifier.NotifyRunComplete(ctx, schedule, notifications.RunResult{
			Backup:   run,
			Status:   models.RunStatusSuccess,
			Duration: duration,
		})
	}

	log.Info().
		Dur("duration", duration).
		Int64("size_bytes", run.SizeBytes).
		Msg("Scheduled backup completed")
}

func (s *Service) finishFailure(ctx context.Context, log zerolog.Logger, schedule *models.BackupSchedule, run *models.Backup, started time.Time, errMsg string) {
	duration := time.Since(started)

	schedule.RecordFailure(time.Now(), errMsg)
	if schedule.ConsecutiveFailures >= maxConsecutiveFailures {
		schedule.Enabled = false
		s.unregister(schedule.ID)
		if s.metrics != nil {
			s.metrics.BreakerTrips.Inc()
		}
		log.Warn().
			Int("consecutive_failures", schedule.ConsecutiveFailures).
			Msg("Schedule disabled after repeated failures, operator action required")
	}
	if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
		log.Error().Err(err).Msg("Failed to persist run outcome")
	}

	if s.metrics != nil {
		s.metrics.FiresTotal.WithLabelValues("failed").Inc()
		s.metrics.RunDuration.Observe(duration.Seconds())
	}
	if s.notifier != nil {
		s.notifier.NotifyRunComplete(ctx, schedule, notifications.RunResult{
			Backup:   run,
			Status:   models.RunStatusFailed,
			Error:    errMsg,
			Duration: duration,
		})
	}

	log.Error().
		Dur("duration", duration).
		Str("error", errMsg).
		Msg("Scheduled backup failed")
}

// applyRetention keeps the newest MaxBackups completed automatic
// backups for the schedule's tenant and kind and prunes the rest.
// The list comes back newest first. Cleanup failures are logged,
// never fatal.
func (s *Service) applyRetention(ctx context.Context, log zerolog.Logger, schedule *models.BackupSchedule) {
	backups, err := s.store.ListAutomaticBackups(ctx, schedule.TenantID, schedule.Kind)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backups for retention")
		return
	}
	if len(backups) <= schedule.MaxBackups {
		return
	}

	for _, b := range backups[schedule.MaxBackups:] {
		if err := s.store.DeleteBackup(ctx, b.ID); err != nil {
			log.Error().Err(err).Str("backup_id", b.ID.String()).Msg("Failed to delete expired backup")
			continue
		}
		if b.ArtifactPath != "" {
			if err := os.Remove(b.ArtifactPath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("artifact", b.ArtifactPath).Msg("Failed to remove expired artifact")
			}
		}
		log.Debug().Str("backup_id", b.ID.String()).Msg("Expired backup pruned")
	}
}
