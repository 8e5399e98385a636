package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagecrest/pagecrest/internal/models"
)

const backupColumns = `id, tenant_id, schedule_id, name, kind, backup_type, compression,
	status, artifact_path, size_bytes, error_message, automatic, retention_days, tags,
	started_at, completed_at, created_at`

func scanBackup(row pgx.Row) (*models.Backup, error) {
	var b models.Backup
	err := row.Scan(
		&b.ID, &b.TenantID, &b.ScheduleID, &b.Name, &b.Kind, &b.BackupType, &b.Compression,
		&b.Status, &b.ArtifactPath, &b.SizeBytes, &b.ErrorMessage, &b.Automatic, &b.RetentionDays,
		&b.Tags, &b.StartedAt, &b.CompletedAt, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBackup inserts a new backup run row.
func (db *DB) CreateBackup(ctx context.Context, b *models.Backup) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO backups (id, tenant_id, schedule_id, name, kind, backup_type, compression,
			status, artifact_path, size_bytes, error_message, automatic, retention_days,
			tags, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, b.ID, b.TenantID, b.ScheduleID, b.Name, b.Kind, b.BackupType, b.Compression,
		b.Status, b.ArtifactPath, b.SizeBytes, b.ErrorMessage, b.Automatic, b.RetentionDays,
		b.Tags, b.StartedAt, b.CompletedAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

// UpdateBackup writes the run's mutable state.
func (db *DB) UpdateBackup(ctx context.Context, b *models.Backup) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE backups
		SET status = $2, artifact_path = $3, size_bytes = $4, error_message = $5,
		    started_at = $6, completed_at = $7
		WHERE id = $1
	`, b.ID, b.Status, b.ArtifactPath, b.SizeBytes, b.ErrorMessage,
		b.StartedAt, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("update backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBackupByID returns a backup run by id, or ErrNotFound.
func (db *DB) GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+backupColumns+`
		FROM backups
		WHERE id = $1
	`, id)

	b, err := scanBackup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// ListAutomaticBackups returns a tenant's completed scheduled backups
// of one kind, newest first. Retention cleanup works from this list.
func (db *DB) ListAutomaticBackups(ctx context.Context, tenantID uuid.UUID, kind models.ScheduleKind) ([]*models.Backup, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupColumns+`
		FROM backups
		WHERE tenant_id = $1
		  AND kind = $2
		  AND automatic
		  AND status = $3
		ORDER BY started_at DESC
	`, tenantID, kind, models.BackupStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list automatic backups: %w", err)
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return backups, nil
}

// DeleteBackup removes a backup run row.
func (db *DB) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
