// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Bus       BusConfig       `mapstructure:"bus"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig enables bearer-token authentication when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Enabled reports whether management routes require a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// CORSConfig governs cross-origin access for browser clients.
type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BusConfig sizes per-subscriber stream buffers.
type BusConfig struct {
	SubscriberBuffer    int `mapstructure:"subscriber_buffer"`
	MaxConsecutiveDrops int `mapstructure:"max_consecutive_drops"`
}

// StreamConfig controls live stream connections.
type StreamConfig struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// WebhookConfig controls callback ingestion.
type WebhookConfig struct {
	DedupeRows   bool  `mapstructure:"dedupe_rows"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// WorkerConfig describes the external extraction worker and the invocation pool.
type WorkerConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	CallbackURL  string        `mapstructure:"callback_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
	Burst        int           `mapstructure:"burst"`
	Concurrency  int           `mapstructure:"concurrency"`
	QueueDepth   int           `mapstructure:"queue_depth"`
}

// Enabled reports whether jobs can be dispatched to a worker.
func (w WorkerConfig) Enabled() bool {
	return w.BaseURL != ""
}

// StorageConfig selects the blob store used for cleaned-data artifacts.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Bucket       string `mapstructure:"bucket"`
	Endpoint     string `mapstructure:"endpoint"`
	Credentials  string `mapstructure:"credentials_file"`
	Prefix       string `mapstructure:"prefix"`
	LocalBaseDir string `mapstructure:"local_base_dir"`
}

// DatabaseConfig controls access to the activity archive.
type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn"`
	ActivityTable string `mapstructure:"activity_table"`
	OutcomesTable string `mapstructure:"outcomes_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for terminal-state notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	Endpoint  string `mapstructure:"endpoint"`
}

// ProgressConfig tunes the activity hub and its sinks.
type ProgressConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LogEnabled    bool          `mapstructure:"log_enabled"`
	MetricsEnable bool          `mapstructure:"metrics_enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchMaxSize  int           `mapstructure:"batch_max_size"`
	BatchMaxWait  time.Duration `mapstructure:"batch_max_wait"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is what Cloud Run and most PaaS hosts inject.
	_ = v.BindEnv("server.port", "JOBSERVER_SERVER_PORT", "PORT")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.max_age", 5*time.Minute)
	v.SetDefault("logging.development", true)
	v.SetDefault("bus.subscriber_buffer", 64)
	v.SetDefault("bus.max_consecutive_drops", 256)
	v.SetDefault("stream.heartbeat", 15*time.Second)
	v.SetDefault("webhook.dedupe_rows", false)
	v.SetDefault("webhook.max_body_bytes", 10<<20)
	v.SetDefault("worker.base_url", "")
	v.SetDefault("worker.callback_url", "")
	v.SetDefault("worker.timeout", 5*time.Minute)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", 500*time.Millisecond)
	v.SetDefault("worker.backoff_max", 10*time.Second)
	v.SetDefault("worker.rate_limit_rps", 2.0)
	v.SetDefault("worker.burst", 2)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.credentials_file", "")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.local_base_dir", "data/artifacts")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.activity_table", "job_activity")
	v.SetDefault("database.outcomes_table", "job_outcomes")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.endpoint", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_max_size", 200)
	v.SetDefault("progress.batch_max_wait", time.Second)
	v.SetDefault("progress.sink_timeout", 2*time.Second)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "extraction-jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be > 0")
	}
	if c.Stream.Heartbeat <= 0 {
		return errors.New("stream.heartbeat must be > 0")
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return errors.New("bus.subscriber_buffer must be > 0")
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return errors.New("webhook.max_body_bytes must be > 0")
	}
	if err := c.Worker.validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalBaseDir == "" {
			return errors.New("storage.local_base_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of memory, local, gcs", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return errors.New("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return errors.New("progress.buffer_size must be > 0 when progress is enabled")
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if !w.Enabled() {
		return nil
	}
	if _, err := url.ParseRequestURI(w.BaseURL); err != nil {
		return fmt.Errorf("worker.base_url: %w", err)
	}
	if w.CallbackURL != "" {
		if _, err := url.ParseRequestURI(w.CallbackURL); err != nil {
			return fmt.Errorf("worker.callback_url: %w", err)
		}
	}
	if w.Concurrency <= 0 {
		return errors.New("worker.concurrency must be > 0")
	}
	if w.QueueDepth <= 0 {
		return errors.New("worker.queue_depth must be > 0")
	}
	if w.MaxAttempts <= 0 {
		return errors.New("worker.max_attempts must be > 0")
	}
	return nil
}
