// Package backup executes database and filesystem backups and exposes
// a polling gateway for callers that dispatch runs asynchronously.
package backup

import (
	"context"

	"github.com/google/uuid"

	"github.com/pagecrest/pagecrest/internal/models"
)

// CreateParams carries per-run settings resolved from the owning
// schedule or from a manual request.
type CreateParams struct {
	Name          string
	Type          models.BackupType
	Compression   models.CompressionType
	RetentionDays int
	Tags          []string
	Automatic     bool
	ScheduleID    *uuid.UUID
}

// Gateway starts backup runs and reports their progress. Create calls
// return as soon as the run is persisted and dispatched; callers
// follow up with PollStatus until the run reaches a terminal status.
type Gateway interface {
	// CreateDatabaseBackup starts a pg_dump based backup of the
	// tenant's database.
	CreateDatabaseBackup(ctx context.Context, tenantID uuid.UUID, params CreateParams) (*models.Backup, error)

	// CreateSystemBackup starts a tar based backup of the tenant's
	// content directories.
	CreateSystemBackup(ctx context.Context, tenantID uuid.UUID, params CreateParams) (*models.Backup, error)

	// PollStatus returns the current state of a run the gateway is
	// tracking. It returns (nil, nil) when the run id is unknown to
	// the gateway, which happens after a process restart; callers
	// fall back to the store in that case.
	PollStatus(ctx context.Context, backupID uuid.UUID) (*models.Backup, error)
}
