package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecrest/pagecrest/internal/models"
)

type mockStore struct {
	mu      sync.Mutex
	backups map[uuid.UUID]*models.Backup
}

func newMockStore() *mockStore {
	return &mockStore{backups: make(map[uuid.UUID]*models.Backup)}
}

func (m *mockStore) CreateBackup(_ context.Context, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.backups[b.ID] = &cp
	return nil
}

func (m *mockStore) UpdateBackup(_ context.Context, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.backups[b.ID] = &cp
	return nil
}

func (m *mockStore) get(id uuid.UUID) *models.Backup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backups[id]
}

func testEngine(t *testing.T, run runCommand) (*Engine, *mockStore) {
	t.Helper()
	store := newMockStore()
	e := NewEngine(EngineConfig{
		ArtifactDir: t.TempDir(),
		DatabaseURL: "postgres://localhost/pagecrest",
		ContentDirs: ContentDirs{Content: "/srv/content", Media: "/srv/media"},
	}, store, nil, zerolog.Nop())
	if run != nil {
		e.run = run
	}
	return e, store
}

func waitComplete(t *testing.T, e *Engine, store *mockStore, id uuid.UUID) *models.Backup {
	t.Helper()
	e.Wait()
	b := store.get(id)
	require.NotNil(t, b)
	require.True(t, b.IsComplete())
	return b
}

func TestCreateDatabaseBackupSuccess(t *testing.T) {
	var gotName string
	var gotArgs []string
	e, store := testEngine(t, func(_ context.Context, name string, args ...string) error {
		gotName = name
		gotArgs = args
		// The artifact path is the last --file= arg; write something
		// there so the engine can stat a size.
		for _, a := range args {
			if len(a) > 7 && a[:7] == "--file=" {
				return os.WriteFile(a[7:], []byte("dump"), 0o600)
			}
		}
		return nil
	})

	tenantID := uuid.New()
	b, err := e.CreateDatabaseBackup(context.Background(), tenantID, CreateParams{
		Name: "nightly", Type: models.BackupTypeFull, Compression: models.CompressionGzip, Automatic: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusPending, b.Status)

	final := waitComplete(t, e, store, b.ID)
	assert.Equal(t, models.BackupStatusCompleted, final.Status)
	assert.Equal(t, int64(4), final.SizeBytes)
	assert.Equal(t, "pg_dump", gotName)
	assert.Contains(t, gotArgs, "--format=custom")
	assert.Contains(t, gotArgs, "--compress=gzip")
	assert.Equal(t, "postgres://localhost/pagecrest", gotArgs[len(gotArgs)-1])
}

func TestCreateSystemBackupFailure(t *testing.T) {
	e, store := testEngine(t, func(_ context.Context, _ string, _ ...string) error {
		return assert.AnError
	})

	b, err := e.CreateSystemBackup(context.Background(), uuid.New(), CreateParams{
		Name: "media", Type: models.BackupTypeMediaOnly, Compression: models.CompressionZstd,
	})
	require.NoError(t, err)

	final := waitComplete(t, e, store, b.ID)
	assert.Equal(t, models.BackupStatusFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
}

func TestPollStatusUnknownID(t *testing.T) {
	e, _ := testEngine(t, nil)
	b, err := e.PollStatus(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestPollStatusEvictedAfterTerminal(t *testing.T) {
	release := make(chan struct{})
	e, _ := testEngine(t, func(_ context.Context, _ string, _ ...string) error {
		<-release
		return nil
	})

	b, err := e.CreateDatabaseBackup(context.Background(), uuid.New(), CreateParams{
		Name: "nightly", Type: models.BackupTypeFull,
	})
	require.NoError(t, err)

	tracked, err := e.PollStatus(context.Background(), b.ID)
	require.NoError(t, err)
	require.NotNil(t, tracked)

	close(release)
	e.Wait()

	deadline := time.After(2 * time.Second)
	for {
		tracked, err = e.PollStatus(context.Background(), b.ID)
		require.NoError(t, err)
		if tracked == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("engine kept tracking a finished run")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBuildDatabaseArgs(t *testing.T) {
	b := models.NewBackup(uuid.New(), "x", models.ScheduleKindDatabase, models.BackupTypeSchemaOnly)
	b.Compression = models.CompressionNone

	args := buildDatabaseArgs(b, "postgres://db/app", "/tmp/out.dump")
	assert.Equal(t, []string{
		"--format=custom",
		"--no-password",
		"--file=/tmp/out.dump",
		"--compress=none",
		"--schema-only",
		"postgres://db/app",
	}, args)
}

func TestBuildSystemArgs(t *testing.T) {
	dirs := ContentDirs{Content: "/srv/content", Media: "/srv/media", Config: "/etc/app"}

	t.Run("full covers all configured dirs", func(t *testing.T) {
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeFull)
		args, err := buildSystemArgs(b, dirs, "/tmp/out.tar.gz", "")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"--create", "--file=/tmp/out.tar.gz", "--gzip",
			"/srv/content", "/srv/media", "/etc/app",
		}, args)
	})

	t.Run("files_only skips media and config", func(t *testing.T) {
		all := ContentDirs{
			Content: "/srv/content", Media: "/srv/media",
			Themes: "/srv/themes", Plugins: "/srv/plugins", Config: "/etc/app",
		}
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeFilesOnly)
		args, err := buildSystemArgs(b, all, "/tmp/out.tar.gz", "")
		require.NoError(t, err)
		assert.Contains(t, args, "/srv/content")
		assert.Contains(t, args, "/srv/themes")
		assert.Contains(t, args, "/srv/plugins")
		assert.NotContains(t, args, "/srv/media")
		assert.NotContains(t, args, "/etc/app")
	})

	t.Run("incremental takes a snapshot file", func(t *testing.T) {
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeIncremental)
		args, err := buildSystemArgs(b, dirs, "/tmp/out.tar.gz", "/var/lib/app/backup.snar")
		require.NoError(t, err)
		assert.Contains(t, args, "--listed-incremental=/var/lib/app/backup.snar")
	})

	t.Run("lz4 uses external program", func(t *testing.T) {
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeMediaOnly)
		b.Compression = models.CompressionLZ4
		args, err := buildSystemArgs(b, dirs, "/tmp/out.tar.lz4", "")
		require.NoError(t, err)
		assert.Contains(t, args, "--use-compress-program=lz4")
		assert.Contains(t, args, "/srv/media")
	})

	t.Run("unconfigured area errors", func(t *testing.T) {
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeConfigOnly)
		_, err := buildSystemArgs(b, ContentDirs{Content: "/srv/content"}, "/tmp/out.tar.gz", "")
		assert.Error(t, err)
	})
}

func TestSnapshotFile(t *testing.T) {
	e, _ := testEngine(t, nil)
	dir := t.TempDir()

	t.Run("full has no snapshot", func(t *testing.T) {
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeFull)
		path, err := e.snapshotFile(dir, b)
		require.NoError(t, err)
		assert.Empty(t, path)
	})

	t.Run("incremental advances the baseline in place", func(t *testing.T) {
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeIncremental)
		path, err := e.snapshotFile(dir, b)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "backup.snar"), path)
	})

	t.Run("differential copies the baseline", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.snar"), []byte("baseline"), 0o600))

		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeDifferential)
		path, err := e.snapshotFile(dir, b)
		require.NoError(t, err)
		assert.NotEqual(t, filepath.Join(dir, "backup.snar"), path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("baseline"), data)
	})

	t.Run("differential without baseline starts at level zero", func(t *testing.T) {
		empty := t.TempDir()
		b := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeDifferential)
		path, err := e.snapshotFile(empty, b)
		require.NoError(t, err)
		assert.NotEmpty(t, path)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestArtifactExt(t *testing.T) {
	db := models.NewBackup(uuid.New(), "x", models.ScheduleKindDatabase, models.BackupTypeFull)
	assert.Equal(t, ".dump", artifactExt(db))

	sys := models.NewBackup(uuid.New(), "x", models.ScheduleKindSystem, models.BackupTypeFilesOnly)
	assert.Equal(t, ".tar.gz", artifactExt(sys))
	sys.Compression = models.CompressionNone
	assert.Equal(t, ".tar", artifactExt(sys))
	sys.Compression = models.CompressionZstd
	assert.Equal(t, ".tar.zst", artifactExt(sys))
}

func TestArtifactWrittenUnderTenantDir(t *testing.T) {
	e, store := testEngine(t, func(_ context.Context, _ string, args ...string) error {
		for _, a := range args {
			if len(a) > 7 && a[:7] == "--file=" {
				return os.WriteFile(a[7:], []byte("dump"), 0o600)
			}
		}
		return nil
	})

	tenantID := uuid.New()
	b, err := e.CreateDatabaseBackup(context.Background(), tenantID, CreateParams{
		Name: "nightly", Type: models.BackupTypeFull,
	})
	require.NoError(t, err)

	final := waitComplete(t, e, store, b.ID)
	assert.Equal(t, tenantID.String(), filepath.Base(filepath.Dir(final.ArtifactPath)))
}
