package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagecrest/pagecrest/internal/models"
)

const scheduleColumns = `id, tenant_id, name, description, kind, backup_type, cron_expression,
	timezone, enabled, retention_days, max_backups, compression, max_duration_secs,
	max_size_bytes, notify_on_success, notify_on_failure, recipients, tags, last_run_at,
	next_run_at, last_status, last_error, consecutive_failures, created_at, updated_at`

func scanSchedule(row pgx.Row) (*models.BackupSchedule, error) {
	var s models.BackupSchedule
	var lastStatus *string
	err := row.Scan(
		&s.ID, &s.TenantID, &s.Name, &s.Description, &s.Kind, &s.BackupType, &s.CronExpression,
		&s.Timezone, &s.Enabled, &s.RetentionDays, &s.MaxBackups, &s.Compression, &s.MaxDurationSecs,
		&s.MaxSizeBytes, &s.NotifyOnSuccess, &s.NotifyOnFailure, &s.Recipients, &s.Tags, &s.LastRunAt,
		&s.NextRunAt, &lastStatus, &s.LastError, &s.ConsecutiveFailures, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		status := models.RunStatus(*lastStatus)
		s.LastStatus = &status
	}
	return &s, nil
}

// CreateBackupSchedule inserts a new schedule row.
func (db *DB) CreateBackupSchedule(ctx context.Context, s *models.BackupSchedule) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO backup_schedules (id, tenant_id, name, description, kind, backup_type,
			cron_expression, timezone, enabled, retention_days, max_backups, compression,
			max_duration_secs, max_size_bytes, notify_on_success, notify_on_failure,
			recipients, tags, last_run_at, next_run_at, last_status, last_error,
			consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25)
	`, s.ID, s.TenantID, s.Name, s.Description, s.Kind, s.BackupType,
		s.CronExpression, s.Timezone, s.Enabled, s.RetentionDays, s.MaxBackups, s.Compression,
		s.MaxDurationSecs, s.MaxSizeBytes, s.NotifyOnSuccess, s.NotifyOnFailure,
		s.Recipients, s.Tags, s.LastRunAt, s.NextRunAt, s.LastStatus, s.LastError,
		s.ConsecutiveFailures, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create backup schedule: %w", err)
	}
	return nil
}

// GetBackupSchedule returns a schedule by id, or ErrNotFound.
func (db *DB) GetBackupSchedule(ctx context.Context, id uuid.UUID) (*models.BackupSchedule, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+`
		FROM backup_schedules
		WHERE id = $1
	`, id)

	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup schedule: %w", err)
	}
	return s, nil
}

// ListBackupSchedules returns all schedules for a tenant, newest first.
func (db *DB) ListBackupSchedules(ctx context.Context, tenantID uuid.UUID) ([]*models.BackupSchedule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM backup_schedules
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list backup schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// GetEnabledBackupSchedules returns every enabled schedule across all
// tenants. Used at startup to rebuild the registry.
func (db *DB) GetEnabledBackupSchedules(ctx context.Context) ([]*models.BackupSchedule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM backup_schedules
		WHERE enabled
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("get enabled backup schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// GetStuckBackupSchedules returns enabled schedules whose next run is
// before nextRunBefore and whose last run is absent or before
// lastRunBefore. These are candidates for sweep repair.
func (db *DB) GetStuckBackupSchedules(ctx context.Context, nextRunBefore, lastRunBefore time.Time) ([]*models.BackupSchedule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM backup_schedules
		WHERE enabled
		  AND next_run_at IS NOT NULL
		  AND next_run_at < $1
		  AND (last_run_at IS NULL OR last_run_at < $2)
		ORDER BY next_run_at
	`, nextRunBefore, lastRunBefore)
	if err != nil {
		return nil, fmt.Errorf("get stuck backup schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]*models.BackupSchedule, error) {
	var schedules []*models.BackupSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup schedules: %w", err)
	}
	return schedules, nil
}

// UpdateBackupSchedule writes every mutable field of the schedule.
func (db *DB) UpdateBackupSchedule(ctx context.Context, s *models.BackupSchedule) error {
	s.UpdatedAt = time.Now()
	tag, err := db.Pool.Exec(ctx, `
		UPDATE backup_schedules
		SET name = $2, description = $3, kind = $4, backup_type = $5, cron_expression = $6,
		    timezone = $7, enabled = $8, retention_days = $9, max_backups = $10,
		    compression = $11, max_duration_secs = $12, max_size_bytes = $13,
		    notify_on_success = $14, notify_on_failure = $15, recipients = $16, tags = $17,
		    last_run_at = $18, next_run_at = $19, last_status = $20, last_error = $21,
		    consecutive_failures = $22, updated_at = $23
		WHERE id = $1
	`, s.ID, s.Name, s.Description, s.Kind, s.BackupType, s.CronExpression,
		s.Timezone, s.Enabled, s.RetentionDays, s.MaxBackups,
		s.Compression, s.MaxDurationSecs, s.MaxSizeBytes,
		s.NotifyOnSuccess, s.NotifyOnFailure, s.Recipients, s.Tags,
		s.LastRunAt, s.NextRunAt, s.LastStatus, s.LastError,
		s.ConsecutiveFailures, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update backup schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBackupSchedule removes a schedule row.
func (db *DB) DeleteBackupSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM backup_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
