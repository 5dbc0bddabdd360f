// Package config provides centralized configuration management for the job engine.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Import    ImportConfig
	Export    ExportConfig
	Artifacts ArtifactConfig
	Scheduler SchedulerConfig
	Redis     RedisConfig
	Mail      MailConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for websockets)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies lists CIDRs whose X-Real-IP/X-Forwarded-For headers are honored
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required when STORE_DRIVER=postgres)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies embedded migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// StoreConfig selects the job record backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory" (default: postgres)
	Driver string `env:"STORE_DRIVER" default:"postgres"`
}

// ImportConfig holds import job settings.
type ImportConfig struct {
	// MaxFileSize is the maximum accepted upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the number of import jobs that may run at once (default: 4)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"4"`

	// Workers is the number of per-key row writers inside one job (default: 1)
	Workers int `env:"IMPORT_WORKERS" default:"1"`

	// ProgressInterval is how many rows pass between persisted progress updates (default: 100)
	ProgressInterval int `env:"IMPORT_PROGRESS_INTERVAL" default:"100"`

	// Timeout bounds a single import job (default: 30m)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" default:"30m"`

	// RollbackTimeout bounds a single rollback (default: 10m)
	RollbackTimeout time.Duration `env:"IMPORT_ROLLBACK_TIMEOUT" default:"10m"`

	// PreviewSampleRows is the number of rows returned by preview (default: 5)
	PreviewSampleRows int `env:"IMPORT_PREVIEW_SAMPLE_ROWS" default:"5"`
}

// ExportConfig holds export job settings.
type ExportConfig struct {
	// Timeout bounds a single export job (default: 15m)
	Timeout time.Duration `env:"EXPORT_TIMEOUT" default:"15m"`

	// TempDir is where artifacts are staged before they are stored (default: os temp dir)
	TempDir string `env:"EXPORT_TEMP_DIR"`
}

// ArtifactConfig selects where export files are kept.
type ArtifactConfig struct {
	// Driver is "local" or "s3" (default: local)
	Driver string `env:"ARTIFACT_DRIVER" default:"local"`

	// Dir is the local artifact directory (default: ./data/exports)
	Dir string `env:"ARTIFACT_DIR" default:"./data/exports"`

	// S3Bucket is the destination bucket when Driver is s3
	S3Bucket string `env:"ARTIFACT_S3_BUCKET"`

	// S3Region is the AWS region (default: us-east-1)
	S3Region string `env:"ARTIFACT_S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`

	// S3Endpoint overrides the endpoint for S3-compatible stores such as MinIO
	S3Endpoint string `env:"ARTIFACT_S3_ENDPOINT"`

	// S3UsePathStyle forces path-style addressing (default: false)
	S3UsePathStyle bool `env:"ARTIFACT_S3_PATH_STYLE" default:"false"`

	// S3Prefix is prepended to every object key (default: exports/)
	S3Prefix string `env:"ARTIFACT_S3_PREFIX" default:"exports/"`
}

// SchedulerConfig holds scheduled export settings.
type SchedulerConfig struct {
	// Enabled starts the scheduler loop in this process (default: true)
	Enabled bool `env:"SCHEDULER_ENABLED" default:"true"`

	// TickInterval is how often due schedules are checked (default: 1m)
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" default:"1m"`

	// Timezone is the IANA zone cron expressions are evaluated in (default: UTC)
	Timezone string `env:"SCHEDULER_TIMEZONE" default:"UTC"`

	// LockTTL is how long a schedule execution lock is held before expiring (default: 30m)
	LockTTL time.Duration `env:"SCHEDULER_LOCK_TTL" default:"30m"`
}

// RedisConfig holds Redis connection settings. Redis is optional.
type RedisConfig struct {
	// Addr is host:port; empty disables Redis-backed locks and rate limiting
	Addr string `env:"REDIS_ADDR"`

	// Password is the AUTH password
	Password string `env:"REDIS_PASSWORD"`

	// DB is the logical database index (default: 0)
	DB int `env:"REDIS_DB" default:"0"`
}

// MailConfig holds settings for the outbound mail collaborator.
type MailConfig struct {
	// AMQPURL is the broker URL; empty logs deliveries instead of publishing them
	AMQPURL string `env:"MAIL_AMQP_URL" envAlt:"AMQP_URL"`

	// Queue is the durable outbox queue name (default: mail.outbox)
	Queue string `env:"MAIL_QUEUE" default:"mail.outbox"`

	// From is the sender address (default: exports@localhost)
	From string `env:"MAIL_FROM" default:"exports@localhost"`

	// SubjectPrefix is prepended to delivery subjects (default: [Scheduled Export])
	SubjectPrefix string `env:"MAIL_SUBJECT_PREFIX" default:"[Scheduled Export]"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key authentication on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes JSON logs to this path when set
	File string `env:"LOG_FILE"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled exposes /metrics (default: true)
	Enabled bool `env:"METRICS_ENABLED" default:"true"`
}

// Addr returns the server address in host:port format.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + itoa(c.Port)
}

// UsesPostgres reports whether job records live in Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == "postgres"
}

// itoa converts int to string without importing strconv.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	pos := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		b[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		b[pos] = '-'
	}
	return string(b[pos:])
}
