// Package config provides configuration for the backup scheduler.
// Process-level settings come from environment variables; component
// settings come from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pagecrest/pagecrest/internal/backup"
	"github.com/pagecrest/pagecrest/internal/notifications"
	"github.com/pagecrest/pagecrest/internal/scheduler"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds process-level settings loaded from environment
// variables.
type ServerConfig struct {
	Environment    Environment
	DatabaseURL    string
	MetricsAddr    string
	DBMaxConns     int
	MigrateOnStart bool
}

// LoadServerConfig reads process configuration from the environment.
// DATABASE_URL is required; everything else has a default.
func LoadServerConfig() (ServerConfig, error) {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return ServerConfig{}, errors.New("DATABASE_URL is required")
	}

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9102"
	}

	maxConns := getEnvInt("DB_MAX_CONNS", 10)
	if maxConns <= 0 {
		maxConns = 10
	}

	return ServerConfig{
		Environment:    env,
		DatabaseURL:    dbURL,
		MetricsAddr:    metricsAddr,
		DBMaxConns:     maxConns,
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", true),
	}, nil
}

// FileConfig is the optional YAML configuration for the scheduler's
// components.
type FileConfig struct {
	Scheduler SchedulerSettings        `yaml:"scheduler"`
	Engine    backup.EngineConfig      `yaml:"engine"`
	S3        *backup.S3Config         `yaml:"s3,omitempty"`
	SMTP      *notifications.SMTPConfig `yaml:"smtp,omitempty"`
}

// SchedulerSettings mirrors scheduler.Config with second-granularity
// YAML fields.
type SchedulerSettings struct {
	PollIntervalSecs      int `yaml:"poll_interval_secs"`
	DefaultRunTimeoutSecs int `yaml:"default_run_timeout_secs"`
	SweepIntervalSecs     int `yaml:"sweep_interval_secs"`
	StuckNextRunAgeSecs   int `yaml:"stuck_next_run_age_secs"`
	StuckLastRunAgeSecs   int `yaml:"stuck_last_run_age_secs"`
}

// SchedulerConfig converts the YAML settings into a scheduler.Config.
// Zero fields fall back to the scheduler's own defaults.
func (s SchedulerSettings) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		PollInterval:      time.Duration(s.PollIntervalSecs) * time.Second,
		DefaultRunTimeout: time.Duration(s.DefaultRunTimeoutSecs) * time.Second,
		SweepInterval:     time.Duration(s.SweepIntervalSecs) * time.Second,
		StuckNextRunAge:   time.Duration(s.StuckNextRunAgeSecs) * time.Second,
		StuckLastRunAge:   time.Duration(s.StuckLastRunAgeSecs) * time.Second,
	}
}

// LoadFile reads the YAML config from path. A missing file yields an
// empty config, so every component runs on its defaults.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// getEnvBool reads a boolean from an environment variable, returning
// the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning
// the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
