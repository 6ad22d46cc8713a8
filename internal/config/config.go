package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // Europe/Warsaw on hosts without zoneinfo

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the schedule sync service.
// Environment variables are parsed from the SCHEDSYNC_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Document store: auto, postgres, sqlite or memory
	DBDriver    string `envconfig:"DB_DRIVER" default:"auto"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:""`

	// Upstream schedule source
	UpstreamBaseURL   string        `envconfig:"UPSTREAM_BASE_URL" default:"https://wu.ans-nt.edu.pl"`
	UpstreamLogin     string        `envconfig:"UPSTREAM_LOGIN" default:""`
	UpstreamPassword  string        `envconfig:"UPSTREAM_PASSWORD" default:""`
	UpstreamTimeout   time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
	UpstreamUserAgent string        `envconfig:"UPSTREAM_USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"`

	// Batching. BatchCeiling must stay below StoreBatchLimit so callers can
	// add their own operations to a sealed batch.
	BatchCeiling    int `envconfig:"BATCH_CEILING" default:"490"`
	StoreBatchLimit int `envconfig:"STORE_BATCH_LIMIT" default:"500"`

	// Schedule scanning
	MaxEmptyWeeks       int  `envconfig:"MAX_EMPTY_WEEKS" default:"3"`
	FastWeeks           int  `envconfig:"FAST_WEEKS" default:"2"`
	FullWeeks           int  `envconfig:"FULL_WEEKS" default:"25"`
	ReconcileEmptyWeeks bool `envconfig:"RECONCILE_EMPTY_WEEKS" default:"false"`

	Timezone string `envconfig:"TIMEZONE" default:"Europe/Warsaw"`

	// Cron specs (5-field, evaluated in Timezone)
	CronCurrentWeek   string `envconfig:"CRON_CURRENT_WEEK" default:"*/15 * * * *"`
	CronFastSemester  string `envconfig:"CRON_FAST_SEMESTER" default:"0 7-22/2 * * *"`
	CronFullSemester  string `envconfig:"CRON_FULL_SEMESTER" default:"0 4 * * 0"`
	CronGroups        string `envconfig:"CRON_GROUPS" default:"0 1 1 10 *"`
	CronSession       string `envconfig:"CRON_SESSION" default:"*/15 * * * *"`
	CronNotify        string `envconfig:"CRON_NOTIFY" default:"*/5 * * * *"`
	CronClearObserved string `envconfig:"CRON_CLEAR_OBSERVED" default:"0 0 1 10 *"`

	// In-process dispatcher for per-group jobs
	DispatchShards      int `envconfig:"DISPATCH_SHARDS" default:"4"`
	DispatchQueueSize   int `envconfig:"DISPATCH_QUEUE_SIZE" default:"256"`
	DispatchMaxAttempts int `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"3"`

	// Operator alerts
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" default:""`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID" default:""`

	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`
	ShutdownTimeoutSeconds    int `envconfig:"SHUTDOWN_TIMEOUT_SECONDS" default:"10"`
}

// ResolveDefaults validates the configuration and derives DBDriver when set to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		switch {
		case c.PostgresDSN != "":
			c.DBDriver = "postgres"
		default:
			c.DBDriver = "sqlite"
		}
	}

	allowedDB := map[string]bool{"postgres": true, "sqlite": true, "memory": true}
	if !allowedDB[c.DBDriver] {
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("SCHEDSYNC_POSTGRES_DSN is required when DB_DRIVER=postgres")
	}
	if c.DBDriver == "sqlite" && c.SQLitePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve sqlite path: %w", err)
		}
		c.SQLitePath = filepath.Join(home, ".schedsync", "schedsync.db")
	}

	if c.StoreBatchLimit <= 0 {
		return fmt.Errorf("STORE_BATCH_LIMIT must be positive, got %d", c.StoreBatchLimit)
	}
	if c.BatchCeiling <= 0 || c.BatchCeiling >= c.StoreBatchLimit {
		return fmt.Errorf("BATCH_CEILING must be in (0, %d), got %d", c.StoreBatchLimit, c.BatchCeiling)
	}
	if c.MaxEmptyWeeks <= 0 {
		return fmt.Errorf("MAX_EMPTY_WEEKS must be positive, got %d", c.MaxEmptyWeeks)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// New creates a new Config by parsing environment variables
// prefixed with SCHEDSYNC_, e.g. SCHEDSYNC_POSTGRES_DSN, SCHEDSYNC_HTTP_PORT.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("SCHEDSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("port", cfg.HTTPPort).
		Str("upstream", cfg.UpstreamBaseURL).
		Bool("upstream_login_present", cfg.UpstreamLogin != "").
		Int("batch_ceiling", cfg.BatchCeiling).
		Str("timezone", cfg.Timezone).
		Bool("alerts_enabled", cfg.AlertsEnabled()).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:         EnvTesting,
		LogLevel:            "debug",
		HTTPPort:            8080,
		DBDriver:            "memory",
		UpstreamBaseURL:     "http://localhost:0",
		UpstreamTimeout:     5 * time.Second,
		BatchCeiling:        490,
		StoreBatchLimit:     500,
		MaxEmptyWeeks:       3,
		FastWeeks:           2,
		FullWeeks:           25,
		Timezone:            "Europe/Warsaw",
		CronCurrentWeek:     "*/15 * * * *",
		CronFastSemester:    "0 7-22/2 * * *",
		CronFullSemester:    "0 4 * * 0",
		CronGroups:          "0 1 1 10 *",
		CronSession:         "*/15 * * * *",
		CronNotify:          "*/5 * * * *",
		CronClearObserved:   "0 0 1 10 *",
		DispatchShards:      2,
		DispatchQueueSize:   16,
		DispatchMaxAttempts: 1,

		HealthIntervalSeconds:     1,
		HealthProbeTimeoutSeconds: 1,
		ShutdownTimeoutSeconds:    2,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// AlertsEnabled reports whether Telegram credentials are configured.
func (c *Config) AlertsEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
