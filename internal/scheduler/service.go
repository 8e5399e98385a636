// Package scheduler manages backup schedule lifecycles and drives
// scheduled runs from cron fire to terminal outcome.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagecrest/pagecrest/internal/backup"
	"github.com/pagecrest/pagecrest/internal/cronexpr"
	"github.com/pagecrest/pagecrest/internal/models"
	"github.com/pagecrest/pagecrest/internal/notifications"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	CreateBackupSchedule(ctx context.Context, s *models.BackupSchedule) error
	GetBackupSchedule(ctx context.Context, id uuid.UUID) (*models.BackupSchedule, error)
	ListBackupSchedules(ctx context.Context, tenantID uuid.UUID) ([]*models.BackupSchedule, error)
	UpdateBackupSchedule(ctx context.Context, s *models.BackupSchedule) error
	DeleteBackupSchedule(ctx context.Context, id uuid.UUID) error
	GetEnabledBackupSchedules(ctx context.Context) ([]*models.BackupSchedule, error)
	GetStuckBackupSchedules(ctx context.Context, nextRunBefore, lastRunBefore time.Time) ([]*models.BackupSchedule, error)

	GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	ListAutomaticBackups(ctx context.Context, tenantID uuid.UUID, kind models.ScheduleKind) ([]*models.Backup, error)
	DeleteBackup(ctx context.Context, id uuid.UUID) error
}

// Config holds the scheduler's timing knobs.
type Config struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	DefaultRunTimeout time.Duration `yaml:"default_run_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	StuckNextRunAge   time.Duration `yaml:"stuck_next_run_age"`
	StuckLastRunAge   time.Duration `yaml:"stuck_last_run_age"`
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DefaultRunTimeout <= 0 {
		c.DefaultRunTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.StuckNextRunAge <= 0 {
		c.StuckNextRunAge = 30 * time.Minute
	}
	if c.StuckLastRunAge <= 0 {
		c.StuckLastRunAge = 60 * time.Minute
	}
}

// SchedulePatch carries the fields an update may change. Nil fields are
// left untouched.
type SchedulePatch struct {
	Name            *string
	Description     *string
	BackupType      *models.BackupType
	CronExpression  *string
	Timezone        *string
	Enabled         *bool
	RetentionDays   *int
	MaxBackups      *int
	Compression     *models.CompressionType
	MaxDurationSecs *int
	MaxSizeBytes    *int64
	NotifyOnSuccess *bool
	NotifyOnFailure *bool
	Recipients      []string
	Tags            []string
}

// Service owns schedule lifecycles and keeps the cron registry in sync
// with the store.
type Service struct {
	store    Store
	registry *Registry
	gateway  backup.Gateway
	notifier *notifications.Service
	metrics  *Metrics
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService wires the scheduler together.
func NewService(store Store, registry *Registry, gateway backup.Gateway, notifier *notifications.Service, metrics *Metrics, cfg Config, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		store:    store,
		registry: registry,
		gateway:  gateway,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		inflight: make(map[uuid.UUID]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start loads enabled schedules into the registry, starts the cron
// runtime, and begins the health sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.initializeSchedules(ctx); err != nil {
		return err
	}
	s.registry.Start()

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info().Int("schedules", s.registry.Len()).Msg("Scheduler started")
	return nil
}

// Stop halts the sweep and the cron runtime. In-flight runs keep going
// in the backup engine; their outcomes are persisted there.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.registry.Stop()
	s.logger.Info().Msg("Scheduler stopped")
}

// initializeSchedules rebuilds the registry from the store. A schedule
// that fails to load does not block the rest.
func (s *Service) initializeSchedules(ctx context.Context) error {
	schedules, err := s.store.GetEnabledBackupSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load enabled schedules: %w", err)
	}

	now := time.Now()
	for _, schedule := range schedules {
		log := s.logger.With().Str("schedule_id", schedule.ID.String()).Logger()

		// Recompute fire times that went stale while the process was
		// down.
		if schedule.NextRunAt == nil || schedule.NextRunAt.Before(now) {
			next, err := cronexpr.Next(schedule.CronExpression, schedule.Timezone, now)
			if err != nil {
				log.Error().Err(err).Msg("Failed to evaluate cron expression, skipping schedule")
				continue
			}
			schedule.NextRunAt = &next
			if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
				log.Error().Err(err).Msg("Failed to persist recomputed next run")
			}
		}

		if err := s.register(schedule); err != nil {
			log.Error().Err(err).Msg("Failed to register schedule, skipping")
			continue
		}
	}

	if s.metrics != nil {
		s.metrics.ActiveSchedules.Set(float64(s.registry.Len()))
	}
	return nil
}

func (s *Service) register(schedule *models.BackupSchedule) error {
	id := schedule.ID
	err := s.registry.Register(id, schedule.CronExpression, schedule.Timezone, func() {
		s.Execute(context.Background(), id)
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ActiveSchedules.Set(float64(s.registry.Len()))
	}
	return nil
}

func (s *Service) unregister(id uuid.UUID) {
	s.registry.Unregister(id)
	if s.metrics != nil {
		s.metrics.ActiveSchedules.Set(float64(s.registry.Len()))
	}
}

// CreateSchedule validates, persists, and registers a new schedule.
// The row is durable before the registry learns about it, so a crash
// between the two steps loses a registration, never a schedule.
func (s *Service) CreateSchedule(ctx context.Context, schedule *models.BackupSchedule) error {
	if err := schedule.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if err := cronexpr.Validate(schedule.CronExpression); err != nil {
		return err
	}

	next, err := cronexpr.Next(schedule.CronExpression, schedule.Timezone, time.Now())
	if err != nil {
		return err
	}
	schedule.NextRunAt = &next

	if err := s.store.CreateBackupSchedule(ctx, schedule); err != nil {
		return err
	}

	if schedule.Enabled {
		if err := s.register(schedule); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", schedule.ID.String()).Msg("Schedule persisted but not registered")
			return err
		}
	}

	s.logger.Info().
		Str("schedule_id", schedule.ID.String()).
		Str("tenant_id", schedule.TenantID.String()).
		Str("cron", schedule.CronExpression).
		Msg("Schedule created")
	return nil
}

// GetSchedule returns one schedule.
func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*models.BackupSchedule, error) {
	return s.store.GetBackupSchedule(ctx, id)
}

// ListSchedules returns a tenant's schedules.
func (s *Service) ListSchedules(ctx context.Context, tenantID uuid.UUID) ([]*models.BackupSchedule, error) {
	return s.store.ListBackupSchedules(ctx, tenantID)
}

// UpdateSchedule applies a patch and re-syncs the registry entry.
func (s *Service) UpdateSchedule(ctx context.Context, id uuid.UUID, patch SchedulePatch) (*models.BackupSchedule, error) {
	schedule, err := s.store.GetBackupSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	timingChanged := applyPatch(schedule, patch)

	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if err := cronexpr.Validate(schedule.CronExpression); err != nil {
		return nil, err
	}

	if timingChanged || schedule.NextRunAt == nil {
		next, err := cronexpr.Next(schedule.CronExpression, schedule.Timezone, time.Now())
		if err != nil {
			return nil, err
		}
		schedule.NextRunAt = &next
	}

	if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	if schedule.Enabled {
		if err := s.register(schedule); err != nil {
			return nil, err
		}
	} else {
		s.unregister(schedule.ID)
	}

	s.logger.Info().Str("schedule_id", schedule.ID.String()).Msg("Schedule updated")
	return schedule, nil
}

func applyPatch(schedule *models.BackupSchedule, patch SchedulePatch) (timingChanged bool) {
	if patch.Name != nil {
		schedule.Name = *patch.Name
	}
	if patch.Description != nil {
		schedule.Description = *patch.Description
	}
	if patch.BackupType != nil {
		schedule.BackupType = *patch.BackupType
	}
	if patch.CronExpression != nil && *patch.CronExpression != schedule.CronExpression {
		schedule.CronExpression = *patch.CronExpression
		timingChanged = true
	}
	if patch.Timezone != nil && *patch.Timezone != schedule.Timezone {
		schedule.Timezone = *patch.Timezone
		timingChanged = true
	}
	if patch.Enabled != nil {
		schedule.Enabled = *patch.Enabled
	}
	if patch.RetentionDays != nil {
		schedule.RetentionDays = *patch.RetentionDays
	}
	if patch.MaxBackups != nil {
		schedule.MaxBackups = *patch.MaxBackups
	}
	if patch.Compression != nil {
		schedule.Compression = *patch.Compression
	}
	if patch.MaxDurationSecs != nil {
		schedule.MaxDurationSecs = patch.MaxDurationSecs
	}
	if patch.MaxSizeBytes != nil {
		schedule.MaxSizeBytes = patch.MaxSizeBytes
	}
	if patch.NotifyOnSuccess != nil {
		schedule.NotifyOnSuccess = *patch.NotifyOnSuccess
	}
	if patch.NotifyOnFailure != nil {
		schedule.NotifyOnFailure = *patch.NotifyOnFailure
	}
	if patch.Recipients != nil {
		schedule.Recipients = patch.Recipients
	}
	if patch.Tags != nil {
		schedule.Tags = patch.Tags
	}
	return timingChanged
}

// ToggleSchedule enables or disables a schedule. Toggling to the
// current state is a no-op that still re-syncs the registry.
func (s *Service) ToggleSchedule(ctx context.Context, id uuid.UUID, enabled bool) (*models.BackupSchedule, error) {
	schedule, err := s.store.GetBackupSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	schedule.Enabled = enabled
	if enabled {
		// Re-enabling starts a fresh failure budget.
		schedule.ConsecutiveFailures = 0
		next, err := cronexpr.Next(schedule.CronExpression, schedule.Timezone, time.Now())
		if err != nil {
			return nil, err
		}
		schedule.NextRunAt = &next
	}

	if err := s.store.UpdateBackupSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	if enabled {
		if err := s.register(schedule); err != nil {
			return nil, err
		}
	} else {
		s.unregister(schedule.ID)
	}

	s.logger.Info().Str("schedule_id", id.String()).Bool("enabled", enabled).Msg("Schedule toggled")
	return schedule, nil
}

// DeleteSchedule removes a schedule. The registry entry goes first so
// a fire cannot race the row deletion.
func (s *Service) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	s.unregister(id)

	if err := s.store.DeleteBackupSchedule(ctx, id); err != nil {
		return err
	}

	s.logger.Info().Str("schedule_id", id.String()).Msg("Schedule deleted")
	return nil
}

// TriggerRun fires a schedule outside its cron cadence. The run obeys
// the same overlap guard and bookkeeping as a cron fire.
func (s *Service) TriggerRun(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetBackupSchedule(ctx, id); err != nil {
		return err
	}

	go s.Execute(context.Background(), id)

	s.logger.Info().Str("schedule_id", id.String()).Msg("Manual run triggered")
	return nil
}

// tryAcquire marks the schedule in-flight, reporting false when a run
// already holds it.
func (s *Service) tryAcquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
