package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 0.0.0.0
  port: 9000
database:
  path: /var/lib/conductor/conductor.db
queue:
  tick_interval: 250ms
  max_concurrent: 4
resources:
  pools:
    - name: openai_api
      type: api
      capacity: 10
      quota_limit: 500
      quota_period: daily
workers:
  registry:
    fetcher:
      endpoint: http://fetcher.internal:8081
      token: secret
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address())
	assert.Equal(t, "/var/lib/conductor/conductor.db", cfg.Database.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.TickInterval)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)

	require.Len(t, cfg.Resources.Pools, 1)
	assert.Equal(t, "openai_api", cfg.Resources.Pools[0].Name)
	assert.Equal(t, 500.0, cfg.Resources.Pools[0].QuotaLimit)

	// Unset sections fall back to defaults.
	assert.Equal(t, DefaultStageTimeout, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, "filesystem", cfg.RefStore.Backend)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_SECRET", "from-env")

	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  jwt:
    secret: ${CONDUCTOR_TEST_SECRET}
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWT.Secret)
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 99999
`), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative read timeout", func(c *Config) { c.Server.ReadTimeout = -1 }, "server.read_timeout"},
		{"pool without name", func(c *Config) {
			c.Resources.Pools = []PoolConfig{{Type: "api", Capacity: 1}}
		}, "name"},
		{"duplicate pool", func(c *Config) {
			c.Resources.Pools = []PoolConfig{
				{Name: "p", Type: "api", Capacity: 1},
				{Name: "p", Type: "api", Capacity: 1},
			}
		}, "duplicate pool"},
		{"bad pool type", func(c *Config) {
			c.Resources.Pools = []PoolConfig{{Name: "p", Type: "quantum", Capacity: 1}}
		}, "type"},
		{"non-positive capacity", func(c *Config) {
			c.Resources.Pools = []PoolConfig{{Name: "p", Type: "api"}}
		}, "capacity"},
		{"bad quota period", func(c *Config) {
			c.Resources.Pools = []PoolConfig{{Name: "p", Type: "api", Capacity: 1, QuotaPeriod: "hourly"}}
		}, "quota_period"},
		{"worker without endpoint", func(c *Config) {
			c.Workers.Registry = map[string]WorkerConfig{"w": {}}
		}, "endpoint"},
		{"bad refstore backend", func(c *Config) { c.RefStore.Backend = "ftp" }, "refstore.backend"},
		{"s3 without bucket", func(c *Config) { c.RefStore.Backend = "s3" }, "bucket"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
