package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackupScheduleDefaults(t *testing.T) {
	tenantID := uuid.New()
	s := NewBackupSchedule(tenantID, "nightly", ScheduleKindDatabase, BackupTypeFull, "0 2 * * *")

	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, tenantID, s.TenantID)
	assert.Equal(t, "UTC", s.Timezone)
	assert.True(t, s.Enabled)
	assert.Equal(t, 30, s.RetentionDays)
	assert.Equal(t, 10, s.MaxBackups)
	assert.Equal(t, CompressionGzip, s.Compression)
	assert.False(t, s.NotifyOnSuccess)
	assert.True(t, s.NotifyOnFailure)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestScheduleValidate(t *testing.T) {
	valid := func() *BackupSchedule {
		return NewBackupSchedule(uuid.New(), "nightly", ScheduleKindDatabase, BackupTypeFull, "0 2 * * *")
	}

	t.Run("valid schedule", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		s := valid()
		s.Name = ""
		assert.Error(t, s.Validate())
	})

	t.Run("missing tenant", func(t *testing.T) {
		s := valid()
		s.TenantID = uuid.Nil
		assert.Error(t, s.Validate())
	})

	t.Run("system type on database schedule", func(t *testing.T) {
		s := valid()
		s.BackupType = BackupTypeMediaOnly
		assert.Error(t, s.Validate())
	})

	t.Run("database type on system schedule", func(t *testing.T) {
		s := valid()
		s.Kind = ScheduleKindSystem
		s.BackupType = BackupTypeSchemaOnly
		assert.Error(t, s.Validate())
	})

	t.Run("full valid for both kinds", func(t *testing.T) {
		s := valid()
		s.Kind = ScheduleKindSystem
		s.BackupType = BackupTypeFull
		assert.NoError(t, s.Validate())
	})

	t.Run("retention bounds", func(t *testing.T) {
		s := valid()
		s.RetentionDays = 0
		assert.Error(t, s.Validate())
		s.RetentionDays = 366
		assert.Error(t, s.Validate())
		s.RetentionDays = 365
		assert.NoError(t, s.Validate())
	})

	t.Run("max backups bounds", func(t *testing.T) {
		s := valid()
		s.MaxBackups = 0
		assert.Error(t, s.Validate())
		s.MaxBackups = 101
		assert.Error(t, s.Validate())
	})

	t.Run("bad timezone", func(t *testing.T) {
		s := valid()
		s.Timezone = "Mars/Olympus"
		assert.Error(t, s.Validate())
	})

	t.Run("bad compression", func(t *testing.T) {
		s := valid()
		s.Compression = CompressionType("bzip2")
		assert.Error(t, s.Validate())
	})

	t.Run("non-positive max duration", func(t *testing.T) {
		s := valid()
		zero := 0
		s.MaxDurationSecs = &zero
		assert.Error(t, s.Validate())
	})
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	s := NewBackupSchedule(uuid.New(), "nightly", ScheduleKindDatabase, BackupTypeFull, "0 2 * * *")
	s.RecordFailure(time.Now(), "pg_dump exited 1")
	s.RecordFailure(time.Now(), "pg_dump exited 1")
	require.Equal(t, 2, s.ConsecutiveFailures)
	require.NotNil(t, s.LastStatus)
	assert.Equal(t, RunStatusFailed, *s.LastStatus)
	assert.Equal(t, "pg_dump exited 1", s.LastError)

	s.RecordSuccess(time.Now())
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Equal(t, RunStatusSuccess, *s.LastStatus)
	assert.Empty(t, s.LastError)
}

func TestRunTimeout(t *testing.T) {
	s := NewBackupSchedule(uuid.New(), "nightly", ScheduleKindDatabase, BackupTypeFull, "0 2 * * *")
	assert.Equal(t, 30*time.Minute, s.RunTimeout(30*time.Minute))

	secs := 90
	s.MaxDurationSecs = &secs
	assert.Equal(t, 90*time.Second, s.RunTimeout(30*time.Minute))
}

func TestRunTags(t *testing.T) {
	s := NewBackupSchedule(uuid.New(), "nightly", ScheduleKindSystem, BackupTypeMediaOnly, "0 2 * * *")
	s.Tags = []string{"prod"}
	assert.Equal(t, []string{"prod", "scheduled", "system"}, s.RunTags())
}

func TestBackupLifecycle(t *testing.T) {
	b := NewBackup(uuid.New(), "Scheduled nightly", ScheduleKindDatabase, BackupTypeFull)
	assert.Equal(t, BackupStatusPending, b.Status)
	assert.False(t, b.IsComplete())

	b.Start()
	assert.Equal(t, BackupStatusRunning, b.Status)

	b.Complete("/var/backups/x.dump.gz", 1024)
	assert.True(t, b.IsComplete())
	assert.Equal(t, int64(1024), b.SizeBytes)
	require.NotNil(t, b.CompletedAt)
	assert.GreaterOrEqual(t, b.Duration(), time.Duration(0))
}

func TestBackupFail(t *testing.T) {
	b := NewBackup(uuid.New(), "Scheduled nightly", ScheduleKindSystem, BackupTypeFilesOnly)
	b.Start()
	b.Fail("tar exited 2")
	assert.Equal(t, BackupStatusFailed, b.Status)
	assert.Equal(t, "tar exited 2", b.ErrorMessage)
	assert.True(t, b.IsComplete())
}
