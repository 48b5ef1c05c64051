package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/abtest/internal/stats"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "./abtest.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "abtest:", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "fixed", cfg.Stats.CriticalValueMode)
	assert.Equal(t, int64(100), cfg.Stats.MinSampleSize)
	assert.True(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithEnvPrefix("ABTEST_TEST_NONE").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).
		WithEnvPrefix("ABTEST_TEST_NONE").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoader_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abtest.yaml")
	yamlContent := `
server:
  port: 9000
  admin_token: from-file
storage:
  driver: redis
  redis:
    addr: redis.internal:6379
    db: 2
log:
  level: debug
stats:
  critical_value_mode: dof
  min_sample_size: 500
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	t.Setenv("ABTEST_SERVER_ADMIN_TOKEN", "from-env")
	t.Setenv("ABTEST_STORAGE_REDIS_POOL_SIZE", "25")
	t.Setenv("ABTEST_SERVER_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("ABTEST_LOG_OUTPUT_PATHS", "stdout, /tmp/abtest.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port, "file overrides default")
	assert.Equal(t, "from-env", cfg.Server.AdminToken, "env overrides file")
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis.internal:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.Equal(t, 25, cfg.Storage.Redis.PoolSize)
	assert.Equal(t, "abtest:", cfg.Storage.Redis.KeyPrefix, "untouched defaults survive")
	assert.Equal(t, []string{"stdout", "/tmp/abtest.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts := cfg.StatsOptions()
	assert.Equal(t, stats.CriticalValueDOF, opts.CriticalValueMode)
	assert.Equal(t, int64(500), opts.MinSampleSize)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("ABTEST_SERVER_PORT", "not-a-number")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := NewLoader().WithEnvPrefix("ABTEST_TEST_NONE").WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_CustomValidator(t *testing.T) {
	errNoToken := errors.New("admin token required")

	_, err := NewLoader().
		WithEnvPrefix("ABTEST_TEST_NONE").
		WithValidator(func(c *Config) error {
			if c.Server.AdminToken == "" {
				return errNoToken
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, errNoToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Storage.SQLitePath = "" }},
		{"redis without addr", func(c *Config) {
			c.Storage.Driver = DriverRedis
			c.Storage.Redis.Addr = ""
		}},
		{"unknown critical value mode", func(c *Config) { c.Stats.CriticalValueMode = "bonferroni" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"negative sample size", func(c *Config) { c.Stats.MinSampleSize = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Storage.Driver = DriverMemory
	assert.NoError(t, cfg.Validate())
}
