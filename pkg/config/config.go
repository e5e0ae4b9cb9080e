package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the sync engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, webhook URLs carrying tokens) must only come from
// environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Bitrix24 REST endpoint configuration
	Bitrix BitrixConfig `yaml:"bitrix"`

	// Pull scheduler configuration
	Sync SyncConfig `yaml:"sync"`

	// Reverse-push dispatcher configuration
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Field mapping detection configuration
	Mapping MappingConfig `yaml:"mapping"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional second-level lookup cache)
	Redis RedisConfig `yaml:"redis"`
}

// BitrixConfig holds the outbound CRM endpoint settings.
type BitrixConfig struct {
	// WebhookURL is the inbound-webhook style REST base, e.g.
	// https://portal.bitrix24.com/rest/1/<token>. The token makes this a
	// secret, so it never comes from YAML.
	WebhookURL string `yaml:"-" env:"BITRIX_WEBHOOK_URL"`

	// RequestIntervalMS is the minimum interval between successive REST
	// calls. Bitrix24 enforces 2 requests/second per portal.
	RequestIntervalMS int `yaml:"request_interval_ms" env:"BITRIX_REQUEST_INTERVAL_MS" env-default:"500"`

	// CallTimeoutSeconds bounds a single REST call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" env:"BITRIX_CALL_TIMEOUT_SECONDS" env-default:"30"`
}

// SyncConfig holds pull scheduler settings.
type SyncConfig struct {
	// IntervalSeconds between automatic pull cycles. 0 disables the ticker
	// (cycles run on demand only).
	IntervalSeconds int `yaml:"interval_seconds" env:"SYNC_INTERVAL_SECONDS" env-default:"300"`

	// EntityConcurrency is how many entity types may sync at once.
	EntityConcurrency int `yaml:"entity_concurrency" env:"SYNC_ENTITY_CONCURRENCY" env-default:"3"`
}

// DispatcherConfig holds reverse-push dispatcher settings.
type DispatcherConfig struct {
	// PollIntervalSeconds between scans for pending/retrying rows.
	PollIntervalSeconds int `yaml:"poll_interval_seconds" env:"DISPATCH_POLL_INTERVAL_SECONDS" env-default:"15"`

	// FanOut bounds concurrent outbound updates per batch.
	FanOut int `yaml:"fan_out" env:"DISPATCH_FAN_OUT" env-default:"4"`

	// BatchSize is the maximum rows claimed per scan.
	BatchSize int `yaml:"batch_size" env:"DISPATCH_BATCH_SIZE" env-default:"20"`

	// MaxRetries for transient failures before a row is marked failed.
	MaxRetries int `yaml:"max_retries" env:"DISPATCH_MAX_RETRIES" env-default:"3"`

	// SendTimeoutSeconds bounds a single update call.
	SendTimeoutSeconds int `yaml:"send_timeout_seconds" env:"DISPATCH_SEND_TIMEOUT_SECONDS" env-default:"20"`

	// Backoff bounds for transient retries.
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds" env:"DISPATCH_INITIAL_BACKOFF_SECONDS" env-default:"5"`
	MaxBackoffSeconds     int `yaml:"max_backoff_seconds" env:"DISPATCH_MAX_BACKOFF_SECONDS" env-default:"300"`
}

// MappingConfig holds field mapping detection settings.
type MappingConfig struct {
	// AcceptThreshold is the minimum confidence for a detected mapping to be
	// considered mapped. Lower-scoring detections are persisted but flagged
	// unmapped for manual correction.
	AcceptThreshold float64 `yaml:"accept_threshold" env:"MAPPING_ACCEPT_THRESHOLD" env-default:"0.65"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"bitsheet"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"bitsheetsync"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds optional Redis settings for the lookup cache second
// level. Empty host disables Redis entirely.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on the
// returned Config. When config.yaml is absent, environment variables alone
// are used.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// Fall back to pure-env configuration when no YAML file is present.
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bitrix.RequestIntervalMS < 0 {
		return fmt.Errorf("bitrix request_interval_ms must be >= 0, got %d", c.Bitrix.RequestIntervalMS)
	}
	if c.Sync.EntityConcurrency < 1 {
		return fmt.Errorf("sync entity_concurrency must be >= 1, got %d", c.Sync.EntityConcurrency)
	}
	if c.Dispatcher.FanOut < 1 {
		return fmt.Errorf("dispatcher fan_out must be >= 1, got %d", c.Dispatcher.FanOut)
	}
	if c.Mapping.AcceptThreshold < 0 || c.Mapping.AcceptThreshold > 1 {
		return fmt.Errorf("mapping accept_threshold must be in [0,1], got %f", c.Mapping.AcceptThreshold)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RequestInterval returns the minimum inter-request interval as a Duration.
func (c *BitrixConfig) RequestInterval() time.Duration {
	return time.Duration(c.RequestIntervalMS) * time.Millisecond
}

// CallTimeout returns the per-call timeout as a Duration.
func (c *BitrixConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// Interval returns the pull cycle interval as a Duration.
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PollInterval returns the dispatcher poll interval as a Duration.
func (c *DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SendTimeout returns the per-send timeout as a Duration.
func (c *DispatcherConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// InitialBackoff returns the initial retry backoff as a Duration.
func (c *DispatcherConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}

// MaxBackoff returns the retry backoff ceiling as a Duration.
func (c *DispatcherConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}
