package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecrest/pagecrest/internal/models"
)

func putStuckSchedule(store *mockStore, name string) *models.BackupSchedule {
	s := testSchedule(models.ScheduleKindDatabase, models.BackupTypeFull)
	s.Name = name
	past := time.Now().Add(-2 * time.Hour)
	s.NextRunAt = &past
	s.LastRunAt = &past
	store.putSchedule(s)
	return s
}

func TestSweepRepairsStuckSchedule(t *testing.T) {
	svc, store, _ := newTestService(t)
	s := putStuckSchedule(store, "stuck")

	svc.sweepOnce(context.Background())

	saved := store.schedule(t, s.ID)
	require.NotNil(t, saved.NextRunAt)
	assert.True(t, saved.NextRunAt.After(time.Now()))
	assert.True(t, svc.registry.Contains(s.ID))
}

func TestSweepLeavesHealthySchedulesAlone(t *testing.T) {
	svc, store, _ := newTestService(t)

	healthy := testSchedule(models.ScheduleKindDatabase, models.BackupTypeFull)
	future := time.Now().Add(time.Hour)
	healthy.NextRunAt = &future
	store.putSchedule(healthy)

	recentlyRan := testSchedule(models.ScheduleKindDatabase, models.BackupTypeFull)
	recentlyRan.Name = "recently-ran"
	past := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	recentlyRan.NextRunAt = &past
	recentlyRan.LastRunAt = &recent
	store.putSchedule(recentlyRan)

	disabled := testSchedule(models.ScheduleKindDatabase, models.BackupTypeFull)
	disabled.Name = "disabled"
	disabled.Enabled = false
	disabled.NextRunAt = &past
	store.putSchedule(disabled)

	svc.sweepOnce(context.Background())

	assert.Equal(t, future, *store.schedule(t, healthy.ID).NextRunAt)
	assert.Equal(t, past, *store.schedule(t, recentlyRan.ID).NextRunAt)
	assert.False(t, svc.registry.Contains(disabled.ID))
}

func TestSweepIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	s := putStuckSchedule(store, "stuck")

	svc.sweepOnce(context.Background())
	store.mu.Lock()
	updatesAfterFirst := store.updateCalls
	store.mu.Unlock()

	// The repaired schedule no longer matches the stuck criteria, so a
	// second sweep writes nothing.
	svc.sweepOnce(context.Background())
	store.mu.Lock()
	updatesAfterSecond := store.updateCalls
	store.mu.Unlock()

	assert.Equal(t, updatesAfterFirst, updatesAfterSecond)
	assert.True(t, svc.registry.Contains(s.ID))
}

func TestSweepSkipsUnevaluableExpression(t *testing.T) {
	svc, store, _ := newTestService(t)
	s := putStuckSchedule(store, "broken")

	// Corrupt the stored expression after the fact; the sweep must log
	// and move on rather than crash or loop.
	broken := store.schedule(t, s.ID)
	broken.CronExpression = "not-a-cron"
	store.putSchedule(broken)

	svc.sweepOnce(context.Background())

	assert.False(t, svc.registry.Contains(s.ID))
}
