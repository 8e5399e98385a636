// Package main is the entrypoint for the PageCrest backup scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pagecrest/pagecrest/internal/backup"
	"github.com/pagecrest/pagecrest/internal/config"
	"github.com/pagecrest/pagecrest/internal/db"
	"github.com/pagecrest/pagecrest/internal/notifications"
	"github.com/pagecrest/pagecrest/internal/scheduler"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "pagecrest-scheduler",
		Short:        "PageCrest backup scheduler - recurring database and system backups",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/pagecrest/scheduler.yml", "path to the YAML config file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pagecrest-scheduler %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()

			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}

			database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			return database.Migrate(ctx)
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := newLogger()

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting PageCrest scheduler")

	srvCfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}

	fileCfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	dbCfg := db.DefaultConfig(srvCfg.DatabaseURL)
	dbCfg.MaxConns = int32(srvCfg.DBMaxConns)
	database, err := db.New(ctx, dbCfg, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if srvCfg.MigrateOnStart {
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	var uploader *backup.Uploader
	if fileCfg.S3 != nil {
		uploader, err = backup.NewUploader(ctx, *fileCfg.S3)
		if err != nil {
			return fmt.Errorf("configure s3 uploader: %w", err)
		}
		logger.Info().Str("bucket", fileCfg.S3.Bucket).Msg("Artifact uploads enabled")
	}

	engineCfg := fileCfg.Engine
	engineCfg.DatabaseURL = srvCfg.DatabaseURL
	engine := backup.NewEngine(engineCfg, database, uploader, logger)

	var notifiers []notifications.Notifier
	if fileCfg.SMTP != nil {
		email, err := notifications.NewEmailService(*fileCfg.SMTP, logger)
		if err != nil {
			return fmt.Errorf("configure email notifications: %w", err)
		}
		notifiers = append(notifiers, email)
	}
	notifier := notifications.NewService(logger, notifiers...)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scheduler.NewMetrics(registry)

	svc := scheduler.NewService(
		database,
		scheduler.NewRegistry(logger),
		engine,
		notifier,
		metrics,
		fileCfg.Scheduler.SchedulerConfig(),
		logger,
	)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	metricsSrv := &http.Server{
		Addr:              srvCfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srvCfg.MetricsAddr).Msg("Metrics listener started")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics listener shutdown failed")
	}

	svc.Stop()
	engine.Wait()

	logger.Info().Msg("Scheduler shut down cleanly")
	return nil
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
