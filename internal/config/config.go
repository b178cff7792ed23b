// Package config loads and validates pipeline config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultArchiveMargin separates the default archive age from EVENT_TTL.
	DefaultArchiveMargin = 72 * time.Hour
	// MinArchiveMargin is the smallest accepted gap between ARCHIVE_AFTER and EVENT_TTL: one daily
	// retention run plus slack.
	MinArchiveMargin = 24 * time.Hour
)

// Config holds application configuration loaded from the environment. Every binary (server, worker,
// retention, migrate, seed) loads the same struct and reads the fields it needs.
type Config struct {
	// HTTPAddr is the address the ingestion HTTP server listens on (e.g. :3000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health service. Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// WorkerHTTPAddr serves the worker's /health, /ready and /metrics.
	WorkerHTTPAddr string `mapstructure:"WORKER_HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// ServiceName is reported to OpenTelemetry as service.name.
	ServiceName string `mapstructure:"SERVICE_NAME"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN for API keys and sessions.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaClientID identifies this process to the brokers.
	KafkaClientID string `mapstructure:"KAFKA_CLIENT_ID"`
	// KafkaTopicPrefix forms per-type topics: <prefix>-<eventType>.
	KafkaTopicPrefix string `mapstructure:"KAFKA_TOPIC_PREFIX"`
	// KafkaGroupPrefix forms per-type consumer groups: <prefix>-processor-<eventType>.
	KafkaGroupPrefix string `mapstructure:"KAFKA_GROUP_PREFIX"`

	// RedisAddr is the host:port of the cache, counters and the retention scheduler queue.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is optional.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB selects the logical Redis database.
	RedisDB int `mapstructure:"REDIS_DB"`

	// ClickHouseAddr is the native-protocol address of the analytical store (e.g. localhost:9000).
	ClickHouseAddr string `mapstructure:"CLICKHOUSE_ADDR"`
	// ClickHouseDatabase is the database holding telemetry_events.
	ClickHouseDatabase string `mapstructure:"CLICKHOUSE_DATABASE"`
	// ClickHouseUsername and ClickHousePassword authenticate to the analytical store.
	ClickHouseUsername string `mapstructure:"CLICKHOUSE_USERNAME"`
	ClickHousePassword string `mapstructure:"CLICKHOUSE_PASSWORD"`

	// EventTTL is how long processed events stay in the analytical store (e.g. "2160h" for 90 days).
	EventTTL string `mapstructure:"EVENT_TTL"`
	// SessionRetention is how long ended sessions are kept.
	SessionRetention string `mapstructure:"SESSION_RETENTION"`
	// SessionIdleTimeout closes sessions with no activity for this long.
	SessionIdleTimeout string `mapstructure:"SESSION_IDLE_TIMEOUT"`
	// RetentionCron is the asynq cron spec for the daily retention run.
	RetentionCron string `mapstructure:"RETENTION_CRON"`

	// ArchiveEnabled turns on cold archival of aged rows to S3.
	ArchiveEnabled bool `mapstructure:"ENABLE_ARCHIVING"`
	// ArchiveAfter is the row age at which archival picks a row up. Empty means EventTTL minus
	// DefaultArchiveMargin. With archiving on it must be at least MinArchiveMargin below EventTTL so
	// rows are archived before ClickHouse's native TTL drops them.
	ArchiveAfter string `mapstructure:"ARCHIVE_AFTER"`
	// ArchiveBatchSize is the number of rows per archive object.
	ArchiveBatchSize int `mapstructure:"ARCHIVE_BATCH_SIZE"`
	// S3Endpoint is an optional S3-compatible endpoint (e.g. MinIO at localhost:9000). Empty uses AWS.
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey string `mapstructure:"S3_SECRET_KEY"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`

	// GeoIPDBPath points at a MaxMind City database. Empty disables geolocation.
	GeoIPDBPath string `mapstructure:"GEOIP_DB_PATH"`
	// GeoIPTimeout bounds a single geolocation lookup.
	GeoIPTimeout string `mapstructure:"GEOIP_TIMEOUT"`

	// MaxBodyBytes caps ingestion request bodies.
	MaxBodyBytes int64 `mapstructure:"MAX_BODY_BYTES"`

	// LokiURL, when set, makes the worker forward log events to Loki (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":3000")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("WORKER_HTTP_ADDR", ":3001")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVICE_NAME", "telemetry-pipeline")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "telemetry-pipeline")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "telemetry")
	v.SetDefault("KAFKA_GROUP_PREFIX", "telemetry")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CLICKHOUSE_ADDR", "localhost:9000")
	v.SetDefault("CLICKHOUSE_DATABASE", "telemetry")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")
	v.SetDefault("CLICKHOUSE_PASSWORD", "")
	v.SetDefault("EVENT_TTL", "2160h") // 90d
	v.SetDefault("SESSION_RETENTION", "2160h")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("RETENTION_CRON", "0 3 * * *")
	v.SetDefault("ENABLE_ARCHIVING", false)
	v.SetDefault("ARCHIVE_AFTER", "")
	v.SetDefault("ARCHIVE_BATCH_SIZE", 5000)
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_BUCKET", "telemetry-archive")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("GEOIP_DB_PATH", "")
	v.SetDefault("GEOIP_TIMEOUT", "200ms")
	v.SetDefault("MAX_BODY_BYTES", 1<<20)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.KafkaTopicPrefix == "" {
		return nil, errors.New("config: KAFKA_TOPIC_PREFIX must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, errors.New("config: MAX_BODY_BYTES must be positive")
	}
	if cfg.ArchiveBatchSize <= 0 {
		return nil, errors.New("config: ARCHIVE_BATCH_SIZE must be positive")
	}
	if cfg.ArchiveEnabled && cfg.S3Bucket == "" {
		return nil, errors.New("config: S3_BUCKET is required when ENABLE_ARCHIVING=true")
	}
	if cfg.ArchiveEnabled {
		after, ttl := cfg.ArchiveAfterDuration(), cfg.EventTTLDuration()
		if after >= ttl-MinArchiveMargin {
			return nil, fmt.Errorf("config: ARCHIVE_AFTER (%s) must be less than EVENT_TTL (%s) minus %s", after, ttl, MinArchiveMargin)
		}
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("config: LOG_LEVEL must be one of debug, info, warn, error")
	}

	return &cfg, nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// EventTTLDuration parses EventTTL. Returns 90 days if unset or invalid.
func (c *Config) EventTTLDuration() time.Duration {
	return parseDuration(c.EventTTL, 90*24*time.Hour)
}

// SessionRetentionDuration parses SessionRetention. Returns 90 days if unset or invalid.
func (c *Config) SessionRetentionDuration() time.Duration {
	return parseDuration(c.SessionRetention, 90*24*time.Hour)
}

// SessionIdleTimeoutDuration parses SessionIdleTimeout. Returns 30m if unset or invalid.
func (c *Config) SessionIdleTimeoutDuration() time.Duration {
	return parseDuration(c.SessionIdleTimeout, 30*time.Minute)
}

// ArchiveAfterDuration parses ArchiveAfter. Returns EventTTL minus DefaultArchiveMargin (half the TTL
// for TTLs shorter than the margin) if unset or invalid.
func (c *Config) ArchiveAfterDuration() time.Duration {
	ttl := c.EventTTLDuration()
	def := ttl - DefaultArchiveMargin
	if def <= 0 {
		def = ttl / 2
	}
	return parseDuration(c.ArchiveAfter, def)
}

// GeoIPTimeoutDuration parses GeoIPTimeout. Returns 200ms if unset or invalid.
func (c *Config) GeoIPTimeoutDuration() time.Duration {
	return parseDuration(c.GeoIPTimeout, 200*time.Millisecond)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
