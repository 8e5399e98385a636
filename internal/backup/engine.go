package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagecrest/pagecrest/internal/models"
)

// Store is the persistence surface the engine needs for backup rows.
type Store interface {
	CreateBackup(ctx context.Context, backup *models.Backup) error
	UpdateBackup(ctx context.Context, backup *models.Backup) error
}

// ContentDirs maps system backup areas to directories on disk.
type ContentDirs struct {
	Content string `yaml:"content"`
	Media   string `yaml:"media"`
	Themes  string `yaml:"themes"`
	Plugins string `yaml:"plugins"`
	Config  string `yaml:"config"`
}

// EngineConfig holds the tool paths and locations the engine works with.
type EngineConfig struct {
	ArtifactDir string      `yaml:"artifact_dir"`
	DatabaseURL string      `yaml:"-"`
	ContentDirs ContentDirs `yaml:"content_dirs"`
	PgDumpPath  string      `yaml:"pg_dump_path"`
	TarPath     string      `yaml:"tar_path"`
}

func (c *EngineConfig) applyDefaults() {
	if c.PgDumpPath == "" {
		c.PgDumpPath = "pg_dump"
	}
	if c.TarPath == "" {
		c.TarPath = "tar"
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = "/var/lib/pagecrest/backups"
	}
}

// runCommand executes the backup tool and returns stderr in the error
// when the tool exits non-zero. Swapped out in tests.
type runCommand func(ctx context.Context, name string, args ...string) error

func execCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s", name, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Engine runs pg_dump and tar backups asynchronously and tracks
// in-flight runs for PollStatus.
type Engine struct {
	cfg      EngineConfig
	store    Store
	uploader *Uploader
	logger   zerolog.Logger
	run      runCommand

	mu      sync.Mutex
	running map[uuid.UUID]*models.Backup
	wg      sync.WaitGroup
}

// NewEngine creates an engine. uploader may be nil when no object
// storage is configured.
func NewEngine(cfg EngineConfig, store Store, uploader *Uploader, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		logger:   logger.With().Str("component", "backup-engine").Logger(),
		run:      execCommand,
		running:  make(map[uuid.UUID]*models.Backup),
	}
}

// Wait blocks until all dispatched runs have finished. Used during
// shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CreateDatabaseBackup persists a pending run and dispatches pg_dump
// in the background.
func (e *Engine) CreateDatabaseBackup(ctx context.Context, tenantID uuid.UUID, params CreateParams) (*models.Backup, error) {
	return e.create(ctx, tenantID, models.ScheduleKindDatabase, params)
}

// CreateSystemBackup persists a pending run and dispatches tar in the
// background.
func (e *Engine) CreateSystemBackup(ctx context.Context, tenantID uuid.UUID, params CreateParams) (*models.Backup, error) {
	return e.create(ctx, tenantID, models.ScheduleKindSystem, params)
}

func (e *Engine) create(ctx context.Context, tenantID uuid.UUID, kind models.ScheduleKind, params CreateParams) (*models.Backup, error) {
	b := models.NewBackup(tenantID, params.Name, kind, params.Type)
	if params.Compression != "" {
		b.Compression = params.Compression
	}
	b.Tags = params.Tags
	b.Automatic = params.Automatic
	b.ScheduleID = params.ScheduleID
	b.RetentionDays = params.RetentionDays

	if err := e.store.CreateBackup(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create backup record: %w", err)
	}

	e.mu.Lock()
	e.running[b.ID] = b
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(b)

	return e.snapshot(b), nil
}

// PollStatus returns the tracked state of a run, or (nil, nil) when
// the engine is not tracking the id.
func (e *Engine) PollStatus(_ context.Context, backupID uuid.UUID) (*models.Backup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.running[backupID]
	if !ok {
		return nil, nil
	}
	return e.snapshotLocked(b), nil
}

func (e *Engine) snapshot(b *models.Backup) *models.Backup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(b)
}

func (e *Engine) snapshotLocked(b *models.Backup) *models.Backup {
	cp := *b
	return &cp
}

// execute runs the backup tool, persists the terminal status, then
// drops the run from the tracking map. Callers polling the map always
// see the terminal status before the entry disappears, so a fallback
// store read after eviction observes the same outcome.
func (e *Engine) execute(b *models.Backup) {
	defer e.wg.Done()

	ctx := context.Background()
	log := e.logger.With().
		Str("backup_id", b.ID.String()).
		Str("tenant_id", b.TenantID.String()).
		Str("kind", string(b.Kind)).
		Str("type", string(b.BackupType)).
		Logger()

	e.mu.Lock()
	b.Start()
	e.mu.Unlock()
	if err := e.store.UpdateBackup(ctx, b); err != nil {
		log.Error().Err(err).Msg("Failed to persist running status")
	}

	outPath, runErr := e.runTool(ctx, b)
	if runErr == nil && e.uploader != nil {
		if key, upErr := e.uploader.UploadArtifact(ctx, b.TenantID, outPath, b.RetentionDays); upErr != nil {
			log.Warn().Err(upErr).Msg("Artifact upload failed, keeping local copy only")
		} else {
			log.Info().Str("key", key).Msg("Artifact uploaded")
		}
	}

	e.mu.Lock()
	if runErr != nil {
		b.Fail(runErr.Error())
	} else {
		size := int64(0)
		if info, err := os.Stat(outPath); err == nil {
			size = info.Size()
		}
		b.Complete(outPath, size)
	}
	e.mu.Unlock()

	if err := e.store.UpdateBackup(ctx, b); err != nil {
		log.Error().Err(err).Msg("Failed to persist terminal status")
	}

	e.mu.Lock()
	delete(e.running, b.ID)
	e.mu.Unlock()

	if runErr != nil {
		log.Error().Err(runErr).Msg("Backup failed")
	} else {
		log.Info().Int64("size_bytes", b.SizeBytes).Str("artifact", b.ArtifactPath).Msg("Backup completed")
	}
}

func (e *Engine) runTool(ctx context.Context, b *models.Backup) (string, error) {
	dir := filepath.Join(e.cfg.ArtifactDir, b.TenantID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	outPath := filepath.Join(dir, b.ID.String()+artifactExt(b))

	var name string
	var args []string
	switch b.Kind {
	case models.ScheduleKindDatabase:
		name = e.cfg.PgDumpPath
		args = buildDatabaseArgs(b, e.cfg.DatabaseURL, outPath)
	case models.ScheduleKindSystem:
		name = e.cfg.TarPath
		snarPath, err := e.snapshotFile(dir, b)
		if err != nil {
			return "", err
		}
		if b.BackupType == models.BackupTypeDifferential && snarPath != "" {
			defer os.Remove(snarPath)
		}
		args, err = buildSystemArgs(b, e.cfg.ContentDirs, outPath, snarPath)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unknown backup kind %q", b.Kind)
	}

	if err := e.run(ctx, name, args...); err != nil {
		os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}

func artifactExt(b *models.Backup) string {
	if b.Kind == models.ScheduleKindDatabase {
		return ".dump"
	}
	switch b.Compression {
	case models.CompressionGzip:
		return ".tar.gz"
	case models.CompressionLZ4:
		return ".tar.lz4"
	case models.CompressionZstd:
		return ".tar.zst"
	default:
		return ".tar"
	}
}

// buildDatabaseArgs assembles the pg_dump invocation. The custom
// format carries its own compression, selected by --compress.
func buildDatabaseArgs(b *models.Backup, databaseURL, outPath string) []string {
	args := []string{
		"--format=custom",
		"--no-password",
		"--file=" + outPath,
	}
	switch b.Compression {
	case models.CompressionGzip:
		args = append(args, "--compress=gzip")
	case models.CompressionLZ4:
		args = append(args, "--compress=lz4")
	case models.CompressionZstd:
		args = append(args, "--compress=zstd")
	case models.CompressionNone:
		args = append(args, "--compress=none")
	}
	switch b.BackupType {
	case models.BackupTypeSchemaOnly:
		args = append(args, "--schema-only")
	case models.BackupTypeDataOnly:
		args = append(args, "--data-only")
	}
	return append(args, databaseURL)
}

// buildSystemArgs assembles the tar invocation for the directories the
// backup type covers. snarPath is empty for non-incremental types.
func buildSystemArgs(b *models.Backup, dirs ContentDirs, outPath, snarPath string) ([]string, error) {
	srcs := dirsForType(b.BackupType, dirs)
	if len(srcs) == 0 {
		return nil, fmt.Errorf("no content directories configured for backup type %q", b.BackupType)
	}

	args := []string{"--create", "--file=" + outPath}
	if snarPath != "" {
		args = append(args, "--listed-incremental="+snarPath)
	}
	switch b.Compression {
	case models.CompressionGzip:
		args = append(args, "--gzip")
	case models.CompressionZstd:
		args = append(args, "--zstd")
	case models.CompressionLZ4:
		args = append(args, "--use-compress-program=lz4")
	}
	return append(args, srcs...), nil
}

// snapshotFile returns the tar snapshot path for incremental and
// differential system backups, or "" for types that take a full
// archive. Incrementals write through the tenant's persistent snapshot
// so each run advances the baseline. Differentials use a scratch copy,
// so every run captures changes since the last full or incremental
// without moving the baseline forward.
func (e *Engine) snapshotFile(tenantDir string, b *models.Backup) (string, error) {
	switch b.BackupType {
	case models.BackupTypeIncremental:
		return filepath.Join(tenantDir, "backup.snar"), nil
	case models.BackupTypeDifferential:
		base := filepath.Join(tenantDir, "backup.snar")
		scratch := filepath.Join(tenantDir, b.ID.String()+".snar")
		data, err := os.ReadFile(base)
		if err != nil {
			if os.IsNotExist(err) {
				// No baseline yet. tar creates the scratch file and
				// takes a level 0 archive.
				return scratch, nil
			}
			return "", fmt.Errorf("failed to read snapshot baseline: %w", err)
		}
		if err := os.WriteFile(scratch, data, 0o600); err != nil {
			return "", fmt.Errorf("failed to stage snapshot copy: %w", err)
		}
		return scratch, nil
	default:
		return "", nil
	}
}

func dirsForType(t models.BackupType, dirs ContentDirs) []string {
	var srcs []string
	add := func(dir string) {
		if dir != "" {
			srcs = append(srcs, dir)
		}
	}
	switch t {
	case models.BackupTypeFull, models.BackupTypeIncremental, models.BackupTypeDifferential:
		add(dirs.Content)
		add(dirs.Media)
		add(dirs.Themes)
		add(dirs.Plugins)
		add(dirs.Config)
	case models.BackupTypeFilesOnly:
		add(dirs.Content)
		add(dirs.Themes)
		add(dirs.Plugins)
	case models.BackupTypeMediaOnly:
		add(dirs.Media)
	case models.BackupTypeConfigOnly:
		add(dirs.Config)
	}
	return srcs
}
