// Package config provides configuration management for Conductor.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure for Conductor.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	RefStore  RefStoreConfig  `mapstructure:"refstore"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Enable CORS
	CORS CORSConfig `mapstructure:"cors"`

	// Request timeouts
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// Address returns the host:port bind address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Busy timeout
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Enable foreign keys
	ForeignKeys bool `mapstructure:"foreign_keys"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AuthConfig holds authentication settings. Client and worker credentials
// are injected here at startup rather than baked into source.
type AuthConfig struct {
	// JWT configuration for session tokens
	JWT JWTConfig `mapstructure:"jwt"`

	// Clients maps API keys to client descriptors
	Clients []ClientConfig `mapstructure:"clients"`
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// ClientConfig describes one API client and its capabilities.
type ClientConfig struct {
	// ClientID identifies the client in execution records
	ClientID string `mapstructure:"client_id"`

	// APIKey authenticates the client
	APIKey string `mapstructure:"api_key"`

	// Permissions are glob patterns over scoped actions,
	// e.g. "execute:*", "execute:rss-*", "resources:read"
	Permissions []string `mapstructure:"permissions"`

	// Admin grants access to resource administration routes
	Admin bool `mapstructure:"admin"`
}

// TemplatesConfig holds pipeline template registry settings.
type TemplatesConfig struct {
	// Path to the directory containing template YAML files
	Path string `mapstructure:"path"`

	// Watch enables hot-reload of template files
	Watch bool `mapstructure:"watch"`
}

// WorkersConfig maps worker names to their descriptors.
type WorkersConfig struct {
	Registry map[string]WorkerConfig `mapstructure:"registry"`
}

// WorkerConfig describes one registered worker.
type WorkerConfig struct {
	// Endpoint is the worker's process URL
	Endpoint string `mapstructure:"endpoint"`

	// Token authenticates the orchestrator to the worker and the
	// worker back to the handshake routes
	Token string `mapstructure:"token"`

	// Capabilities lists the actions this worker can perform
	Capabilities []string `mapstructure:"capabilities"`

	// Slots is the worker's concurrency capacity
	Slots int `mapstructure:"slots"`
}

// ResourcesConfig holds resource pool definitions.
type ResourcesConfig struct {
	Pools []PoolConfig `mapstructure:"pools"`

	// ReclaimInterval is the cron spec for expired-allocation reclaim
	ReclaimSchedule string `mapstructure:"reclaim_schedule"`

	// AllocationTTL bounds how long a reservation may stay unreleased
	AllocationTTL time.Duration `mapstructure:"allocation_ttl"`
}

// PoolConfig defines one finite resource pool.
type PoolConfig struct {
	// Name identifies the pool (e.g. "openai_api", "worker:rss-fetcher")
	Name string `mapstructure:"name"`

	// Type is one of api, storage, compute, network
	Type string `mapstructure:"type"`

	// Capacity is the maximum simultaneously allocated quantity
	Capacity float64 `mapstructure:"capacity"`

	// QuotaLimit is the usage budget per period; -1 means unlimited
	QuotaLimit float64 `mapstructure:"quota_limit"`

	// QuotaPeriod is daily, weekly or monthly
	QuotaPeriod string `mapstructure:"quota_period"`

	// CostPerUnit in USD, used for accumulated cost accounting
	CostPerUnit float64 `mapstructure:"cost_per_unit"`
}

// QueueConfig holds admission loop settings.
type QueueConfig struct {
	// TickInterval is how often the admission loop runs
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// MaxConcurrent bounds simultaneously running executions; 0 = unlimited
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// DispatchConfig holds worker dispatch defaults.
type DispatchConfig struct {
	// DefaultTimeout applies when a stage declares none
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// DefaultMaxAttempts applies when a stage declares no retry policy
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`

	// DefaultBackoff is the base delay between attempts
	DefaultBackoff time.Duration `mapstructure:"default_backoff"`
}

// RefStoreConfig holds data reference store settings.
type RefStoreConfig struct {
	// Backend is "filesystem" or "s3"
	Backend string `mapstructure:"backend"`

	// InlineThreshold in bytes; payloads at or below travel inline
	InlineThreshold int64 `mapstructure:"inline_threshold"`

	// Compress enables gzip compression of stored payloads
	Compress bool `mapstructure:"compress"`

	// TTL is how long stored references stay retrievable
	TTL time.Duration `mapstructure:"ttl"`

	// Filesystem backend settings
	Path string `mapstructure:"path"`

	// S3 backend settings
	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3 backend settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// CacheConfig holds advisory cache TTLs.
type CacheConfig struct {
	// ProgressTTL for progress snapshots
	ProgressTTL time.Duration `mapstructure:"progress_ttl"`

	// HandshakeTTL for handshake packet hand-off
	HandshakeTTL time.Duration `mapstructure:"handshake_ttl"`

	// CleanupInterval for the expiry janitor
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is "console" or "json"
	Format string `mapstructure:"format"`
}
