package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecrest/pagecrest/internal/models"
)

type recordingNotifier struct {
	calls []RunResult
	err   error
}

func (r *recordingNotifier) NotifyRunComplete(_ context.Context, _ *models.BackupSchedule, result RunResult) error {
	r.calls = append(r.calls, result)
	return r.err
}

func newSchedule() *models.BackupSchedule {
	return models.NewBackupSchedule(uuid.New(), "nightly", models.ScheduleKindDatabase, models.BackupTypeFull, "0 2 * * *")
}

func TestServiceHonorsNotifyFlags(t *testing.T) {
	ctx := context.Background()

	t.Run("failure notifies by default", func(t *testing.T) {
		rec := &recordingNotifier{}
		svc := NewService(zerolog.Nop(), rec)
		svc.NotifyRunComplete(ctx, newSchedule(), RunResult{Status: models.RunStatusFailed, Error: "boom"})
		assert.Len(t, rec.calls, 1)
	})

	t.Run("success suppressed by default", func(t *testing.T) {
		rec := &recordingNotifier{}
		svc := NewService(zerolog.Nop(), rec)
		svc.NotifyRunComplete(ctx, newSchedule(), RunResult{Status: models.RunStatusSuccess})
		assert.Empty(t, rec.calls)
	})

	t.Run("success notifies when opted in", func(t *testing.T) {
		rec := &recordingNotifier{}
		svc := NewService(zerolog.Nop(), rec)
		s := newSchedule()
		s.NotifyOnSuccess = true
		svc.NotifyRunComplete(ctx, s, RunResult{Status: models.RunStatusSuccess})
		assert.Len(t, rec.calls, 1)
	})

	t.Run("failure suppressed when opted out", func(t *testing.T) {
		rec := &recordingNotifier{}
		svc := NewService(zerolog.Nop(), rec)
		s := newSchedule()
		s.NotifyOnFailure = false
		svc.NotifyRunComplete(ctx, s, RunResult{Status: models.RunStatusFailed, Error: "boom"})
		assert.Empty(t, rec.calls)
	})
}

func TestServiceSwallowsDeliveryErrors(t *testing.T) {
	rec := &recordingNotifier{err: assert.AnError}
	svc := NewService(zerolog.Nop(), rec)
	svc.NotifyRunComplete(context.Background(), newSchedule(), RunResult{Status: models.RunStatusFailed})
	assert.Len(t, rec.calls, 1)
}

func TestSMTPConfigValidate(t *testing.T) {
	cfg := SMTPConfig{Host: "smtp.example.com", Port: 587, From: "backups@example.com", Recipients: []string{"ops@example.com"}}
	require.NoError(t, cfg.Validate())

	// Recipients can come from schedules, so a config without a
	// default list still validates.
	noDefaults := cfg
	noDefaults.Recipients = nil
	assert.NoError(t, noDefaults.Validate())

	for _, mutate := range []func(*SMTPConfig){
		func(c *SMTPConfig) { c.Host = "" },
		func(c *SMTPConfig) { c.Port = 0 },
		func(c *SMTPConfig) { c.From = "" },
	} {
		bad := cfg
		mutate(&bad)
		assert.Error(t, bad.Validate())
	}
}

func TestEmailServiceBuildsMessage(t *testing.T) {
	cfg := SMTPConfig{
		Host:       "smtp.example.com",
		Port:       587,
		From:       "backups@example.com",
		Recipients: []string{"ops@example.com", "oncall@example.com"},
	}
	svc, err := NewEmailService(cfg, zerolog.Nop())
	require.NoError(t, err)

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	svc.sendMail = func(addr string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	schedule := newSchedule()
	backup := models.NewBackup(schedule.TenantID, "Scheduled nightly", schedule.Kind, schedule.BackupType)
	backup.Complete("/var/backups/x.dump", 2048)

	err = svc.NotifyRunComplete(context.Background(), schedule, RunResult{
		Backup:   backup,
		Status:   models.RunStatusSuccess,
		Duration: 42 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, cfg.Recipients, gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Backup Successful: nightly")
	assert.Contains(t, msg, "To: ops@example.com, oncall@example.com")
	assert.Contains(t, msg, "Status: success")
	assert.Contains(t, msg, "Size: 2048 bytes")
	assert.Contains(t, msg, "Artifact: /var/backups/x.dump")
}

func TestEmailServiceFailureSubject(t *testing.T) {
	cfg := SMTPConfig{Host: "smtp.example.com", Port: 587, From: "backups@example.com", Recipients: []string{"ops@example.com"}}
	svc, err := NewEmailService(cfg, zerolog.Nop())
	require.NoError(t, err)

	var gotMsg []byte
	svc.sendMail = func(_ string, _ []string, msg []byte) error {
		gotMsg = msg
		return nil
	}

	err = svc.NotifyRunComplete(context.Background(), newSchedule(), RunResult{
		Status: models.RunStatusFailed,
		Error:  "Backup timeout exceeded",
	})
	require.NoError(t, err)
	assert.Contains(t, string(gotMsg), "Subject: Backup Failed: nightly")
	assert.Contains(t, string(gotMsg), "Error: Backup timeout exceeded")
}

func TestEmailServiceScheduleRecipientsOverrideDefaults(t *testing.T) {
	cfg := SMTPConfig{Host: "smtp.example.com", Port: 587, From: "backups@example.com", Recipients: []string{"ops@example.com"}}
	svc, err := NewEmailService(cfg, zerolog.Nop())
	require.NoError(t, err)

	var gotTo []string
	sent := 0
	svc.sendMail = func(_ string, to []string, _ []byte) error {
		gotTo = to
		sent++
		return nil
	}

	schedule := newSchedule()
	schedule.Recipients = []string{"tenant-admin@example.com"}
	err = svc.NotifyRunComplete(context.Background(), schedule, RunResult{Status: models.RunStatusFailed, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-admin@example.com"}, gotTo)

	// No per-schedule list falls back to the config defaults.
	err = svc.NotifyRunComplete(context.Background(), newSchedule(), RunResult{Status: models.RunStatusFailed, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)

	// Nowhere to deliver is a logged no-op, not an error.
	noDefault := SMTPConfig{Host: "smtp.example.com", Port: 587, From: "backups@example.com"}
	bare, err := NewEmailService(noDefault, zerolog.Nop())
	require.NoError(t, err)
	bare.sendMail = func(_ string, _ []string, _ []byte) error {
		t.Fatal("sendMail called with no recipients")
		return nil
	}
	require.NoError(t, bare.NotifyRunComplete(context.Background(), newSchedule(), RunResult{Status: models.RunStatusFailed}))
	assert.Equal(t, 2, sent)
}
