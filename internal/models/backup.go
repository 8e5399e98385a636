package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupStatus tracks a backup run through its lifecycle.
type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// Backup is one backup run, scheduled or manual.
type Backup struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	ScheduleID   *uuid.UUID      `json:"schedule_id,omitempty"`
	Name         string          `json:"name"`
	Kind         ScheduleKind    `json:"kind"`
	BackupType   BackupType      `json:"backup_type"`
	Compression  CompressionType `json:"compression"`
	Status       BackupStatus    `json:"status"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	SizeBytes    int64           `json:"size_bytes"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Automatic    bool            `json:"automatic"`
	// RetentionDays is advisory metadata from the owning schedule,
	// consumed by offsite lifecycle policies rather than local cleanup.
	RetentionDays int        `json:"retention_days,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewBackup creates a pending backup run for a tenant.
func NewBackup(tenantID uuid.UUID, name string, kind ScheduleKind, backupType BackupType) *Backup {
	now := time.Now()
	return &Backup{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Name:        name,
		Kind:        kind,
		BackupType:  backupType,
		Compression: CompressionGzip,
		Status:      BackupStatusPending,
		StartedAt:   now,
		CreatedAt:   now,
	}
}

// Start marks the backup as running.
func (b *Backup) Start() {
	b.Status = BackupStatusRunning
	b.StartedAt = time.Now()
}

// Complete marks the backup as finished with its artifact.
func (b *Backup) Complete(artifactPath string, sizeBytes int64) {
	now := time.Now()
	b.Status = BackupStatusCompleted
	b.ArtifactPath = artifactPath
	b.SizeBytes = sizeBytes
	b.CompletedAt = &now
}

// Fail marks the backup as failed with the given error message.
func (b *Backup) Fail(message string) {
	now := time.Now()
	b.Status = BackupStatusFailed
	b.ErrorMessage = message
	b.CompletedAt = &now
}

// IsComplete reports whether the backup reached a terminal status.
func (b *Backup) IsComplete() bool {
	return b.Status == BackupStatusCompleted || b.Status == BackupStatusFailed
}

// Duration returns elapsed run time, using now for runs still going.
func (b *Backup) Duration() time.Duration {
	if b.CompletedAt != nil {
		return b.CompletedAt.Sub(b.StartedAt)
	}
	return time.Since(b.StartedAt)
}
