package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8090
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 10 * 1024 * 1024 // 10MB

	// Database defaults.
	DefaultDBPath       = "conductor.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Template defaults.
	DefaultTemplatesPath = "templates"

	// Queue defaults.
	DefaultQueueTick     = 500 * time.Millisecond
	DefaultMaxConcurrent = 10

	// Dispatch defaults.
	DefaultStageTimeout = 60 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBackoff      = 1 * time.Second

	// Reference store defaults.
	DefaultInlineThreshold = 32 * 1024 // 32KB
	DefaultRefStorePath    = "refstore"
	DefaultRefStoreTTL     = 24 * time.Hour

	// Cache defaults.
	DefaultProgressTTL     = 30 * time.Second
	DefaultHandshakeTTL    = 5 * time.Minute
	DefaultCacheCleanup    = 1 * time.Minute
	DefaultAllocationTTL   = 30 * time.Minute
	DefaultReclaimSchedule = "@every 1m"

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	// Auth defaults.
	DefaultJWTIssuer = "conductor"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
				MaxAge:         5 * time.Minute,
			},
		},
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			WALMode:      true,
			CacheSize:    DefaultCacheSize,
			BusyTimeout:  DefaultBusyTimeout,
			ForeignKeys:  true,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Issuer: DefaultJWTIssuer,
			},
		},
		Templates: TemplatesConfig{
			Path:  DefaultTemplatesPath,
			Watch: false,
		},
		Workers: WorkersConfig{
			Registry: map[string]WorkerConfig{},
		},
		Resources: ResourcesConfig{
			ReclaimSchedule: DefaultReclaimSchedule,
			AllocationTTL:   DefaultAllocationTTL,
		},
		Queue: QueueConfig{
			TickInterval:  DefaultQueueTick,
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout:     DefaultStageTimeout,
			DefaultMaxAttempts: DefaultMaxAttempts,
			DefaultBackoff:     DefaultBackoff,
		},
		RefStore: RefStoreConfig{
			Backend:         "filesystem",
			InlineThreshold: DefaultInlineThreshold,
			Path:            DefaultRefStorePath,
			TTL:             DefaultRefStoreTTL,
			Compress:        true,
		},
		Cache: CacheConfig{
			ProgressTTL:     DefaultProgressTTL,
			HandshakeTTL:    DefaultHandshakeTTL,
			CleanupInterval: DefaultCacheCleanup,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
