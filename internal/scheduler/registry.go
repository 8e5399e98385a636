package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to the cron.Logger interface so recovered
// job panics land in the structured log.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Registry maps live schedules to cron entries. All methods are safe
// for concurrent use.
type Registry struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	logger  zerolog.Logger
	running bool
}

// NewRegistry creates a registry whose jobs recover from panics
// instead of taking the process down.
func NewRegistry(logger zerolog.Logger) *Registry {
	log := logger.With().Str("component", "registry").Logger()
	return &Registry{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
			cron.WithChain(cron.Recover(cronLogger{logger: log})),
		),
		entries: make(map[uuid.UUID]cron.EntryID),
		logger:  log,
	}
}

// Start begins firing registered entries.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.cron.Start()
	r.running = true
	r.logger.Info().Msg("Schedule registry started")
}

// Stop halts firing and waits for any in-flight job callbacks.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Schedule registry stopped")
}

// Register adds a cron entry for the schedule, replacing any existing
// entry for the same id. The expression fires in the given timezone.
func (r *Registry) Register(id uuid.UUID, expr, timezone string, onFire func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[id]; ok {
		r.cron.Remove(prev)
		delete(r.entries, id)
	}

	spec := expr
	if timezone != "" {
		spec = fmt.Sprintf("CRON_TZ=%s %s", timezone, expr)
	}
	entryID, err := r.cron.AddFunc(spec, onFire)
	if err != nil {
		return fmt.Errorf("failed to register schedule %s: %w", id, err)
	}
	r.entries[id] = entryID

	r.logger.Debug().
		Str("schedule_id", id.String()).
		Str("cron", expr).
		Str("timezone", timezone).
		Msg("Schedule registered")
	return nil
}

// Unregister removes the entry for the schedule. Removing an id that
// was never registered is a no-op.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryID, ok := r.entries[id]
	if !ok {
		return
	}
	r.cron.Remove(entryID)
	delete(r.entries, id)

	r.logger.Debug().Str("schedule_id", id.String()).Msg("Schedule unregistered")
}

// Contains reports whether the schedule has a live cron entry.
func (r *Registry) Contains(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// NextRun returns the registry's own view of the schedule's next fire
// time, or the zero time when the schedule is not registered.
func (r *Registry) NextRun(id uuid.UUID) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryID, ok := r.entries[id]
	if !ok {
		return time.Time{}
	}
	return r.cron.Entry(entryID).Next
}
