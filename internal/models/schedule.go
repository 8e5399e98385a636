package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind selects which execution path a schedule drives.
type ScheduleKind string

const (
	ScheduleKindDatabase ScheduleKind = "database"
	ScheduleKindSystem   ScheduleKind = "system"
)

// BackupType narrows what a run captures within its kind.
type BackupType string

const (
	BackupTypeFull         BackupType = "full"
	BackupTypeIncremental  BackupType = "incremental"
	BackupTypeDifferential BackupType = "differential"
	BackupTypeSchemaOnly   BackupType = "schema_only"
	BackupTypeDataOnly     BackupType = "data_only"
	BackupTypeFilesOnly    BackupType = "files_only"
	BackupTypeConfigOnly   BackupType = "config_only"
	BackupTypeMediaOnly    BackupType = "media_only"
)

// CompressionType is the artifact compression applied by the engine.
type CompressionType string

const (
	CompressionGzip CompressionType = "gzip"
	CompressionLZ4  CompressionType = "lz4"
	CompressionZstd CompressionType = "zstd"
	CompressionNone CompressionType = "none"
)

// RunStatus is the terminal outcome of a schedule's most recent run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

const (
	DefaultTimezone      = "UTC"
	DefaultRetentionDays = 30
	DefaultMaxBackups    = 10
	MinRetentionDays     = 1
	MaxRetentionDays     = 365
	MinMaxBackups        = 1
	MaxMaxBackups        = 100
)

// pg_dump has no incremental mode, so database schedules only accept
// the dump-shaped types.
var databaseBackupTypes = map[BackupType]bool{
	BackupTypeFull:       true,
	BackupTypeSchemaOnly: true,
	BackupTypeDataOnly:   true,
}

var systemBackupTypes = map[BackupType]bool{
	BackupTypeFull:         true,
	BackupTypeIncremental:  true,
	BackupTypeDifferential: true,
	BackupTypeFilesOnly:    true,
	BackupTypeConfigOnly:   true,
	BackupTypeMediaOnly:    true,
}

var validCompression = map[CompressionType]bool{
	CompressionGzip: true,
	CompressionLZ4:  true,
	CompressionZstd: true,
	CompressionNone: true,
}

// BackupSchedule is a recurring backup definition owned by a tenant.
type BackupSchedule struct {
	ID                  uuid.UUID       `json:"id"`
	TenantID            uuid.UUID       `json:"tenant_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	Kind                ScheduleKind    `json:"kind"`
	BackupType          BackupType      `json:"backup_type"`
	CronExpression      string          `json:"cron_expression"`
	Timezone            string          `json:"timezone"`
	Enabled             bool            `json:"enabled"`
	RetentionDays       int             `json:"retention_days"`
	MaxBackups          int             `json:"max_backups"`
	Compression         CompressionType `json:"compression"`
	MaxDurationSecs     *int            `json:"max_duration_secs,omitempty"`
	MaxSizeBytes        *int64          `json:"max_size_bytes,omitempty"`
	NotifyOnSuccess     bool            `json:"notify_on_success"`
	NotifyOnFailure     bool            `json:"notify_on_failure"`
	Recipients          []string        `json:"recipients,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	LastStatus          *RunStatus      `json:"last_status,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NewBackupSchedule creates a schedule with defaults applied for any
// field the caller left zero-valued.
func NewBackupSchedule(tenantID uuid.UUID, name string, kind ScheduleKind, backupType BackupType, cronExpr string) *BackupSchedule {
	now := time.Now()
	return &BackupSchedule{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Name:            name,
		Kind:            kind,
		BackupType:      backupType,
		CronExpression:  cronExpr,
		Timezone:        DefaultTimezone,
		Enabled:         true,
		RetentionDays:   DefaultRetentionDays,
		MaxBackups:      DefaultMaxBackups,
		Compression:     CompressionGzip,
		NotifyOnFailure: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Validate checks field bounds and kind/type compatibility. Cron
// expression syntax is validated separately by the cronexpr package.
func (s *BackupSchedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	switch s.Kind {
	case ScheduleKindDatabase:
		if !databaseBackupTypes[s.BackupType] {
			return fmt.Errorf("backup type %q is not valid for database schedules", s.BackupType)
		}
	case ScheduleKindSystem:
		if !systemBackupTypes[s.BackupType] {
			return fmt.Errorf("backup type %q is not valid for system schedules", s.BackupType)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	if !validCompression[s.Compression] {
		return fmt.Errorf("unknown compression type %q", s.Compression)
	}
	if s.RetentionDays < MinRetentionDays || s.RetentionDays > MaxRetentionDays {
		return fmt.Errorf("retention days must be between %d and %d", MinRetentionDays, MaxRetentionDays)
	}
	if s.MaxBackups < MinMaxBackups || s.MaxBackups > MaxMaxBackups {
		return fmt.Errorf("max backups must be between %d and %d", MinMaxBackups, MaxMaxBackups)
	}
	if s.MaxDurationSecs != nil && *s.MaxDurationSecs <= 0 {
		return fmt.Errorf("max duration must be positive")
	}
	if s.MaxSizeBytes != nil && *s.MaxSizeBytes <= 0 {
		return fmt.Errorf("max size must be positive")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return nil
}

// RecordSuccess updates run bookkeeping after a successful run and
// resets the consecutive failure counter.
func (s *BackupSchedule) RecordSuccess(at time.Time) {
	status := RunStatusSuccess
	s.LastStatus = &status
	s.LastError = ""
	s.ConsecutiveFailures = 0
	s.UpdatedAt = at
}

// RecordFailure updates run bookkeeping after a failed run and
// increments the consecutive failure counter.
func (s *BackupSchedule) RecordFailure(at time.Time, errMsg string) {
	status := RunStatusFailed
	s.LastStatus = &status
	s.LastError = errMsg
	s.ConsecutiveFailures++
	s.UpdatedAt = at
}

// RunTimeout returns the per-schedule run timeout, or fallback when
// the schedule does not set one.
func (s *BackupSchedule) RunTimeout(fallback time.Duration) time.Duration {
	if s.MaxDurationSecs != nil {
		return time.Duration(*s.MaxDurationSecs) * time.Second
	}
	return fallback
}

// RunTags returns the tags attached to backups produced by this
// schedule, always including "scheduled" and the schedule kind.
func (s *BackupSchedule) RunTags() []string {
	tags := make([]string, 0, len(s.Tags)+2)
	tags = append(tags, s.Tags...)
	tags = append(tags, "scheduled", string(s.Kind))
	return tags
}
