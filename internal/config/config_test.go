package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, store.DriverMemory, cfg.Store.Driver)
	require.Equal(t, "/items/{id}", cfg.Source.DetailPath)
	require.Equal(t, 30*time.Second, cfg.Source.Timeout)
	require.False(t, cfg.Source.ListCache)
	require.Equal(t, 5*time.Minute, cfg.Source.ListCacheTTL)
	require.Equal(t, LimiterWindow, cfg.Limiter.Kind)
	require.Empty(t, cfg.Limiter.Shared.RedisAddr)
	require.Equal(t, 5, cfg.Breaker.Threshold)
	require.Equal(t, 10*time.Minute, cfg.Breaker.Cooldown)
	require.Equal(t, 600*time.Millisecond, cfg.Breaker.InitialBackoff)
	require.Equal(t, 3, cfg.Pause.Threshold)
	require.Equal(t, 60*time.Second, cfg.Pause.DefaultPause)
	require.Equal(t, 8, cfg.Pool.Concurrency)
	require.Equal(t, "catalog", cfg.Cursor.Name)
	require.Equal(t, 5*time.Minute, cfg.Exclusion.CacheTTL)
	require.Equal(t, 15*time.Minute, cfg.Metrics.Window)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  driver: libsql
  libsql_path: /tmp/ingest.db
source:
  base_url: https://catalog.example.com
  detail_path: /v2/items/{id}/
  timeout: 5s
  headers:
    X-Api-Key: secret
limiter:
  kind: bucket
  bucket:
    capacity: 10
    refill_per_second: 2.5
breaker:
  threshold: 2
  cooldown: 90s
cursor:
  batch_override: 250
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, store.DriverLibsql, cfg.Store.Driver)
	require.Equal(t, "/tmp/ingest.db", cfg.Store.LibsqlPath)
	require.Equal(t, "https://catalog.example.com", cfg.Source.BaseURL)
	require.Equal(t, "/v2/items/{id}/", cfg.Source.DetailPath)
	require.Equal(t, 5*time.Second, cfg.Source.Timeout)
	require.Equal(t, "secret", cfg.Source.Headers["x-api-key"])
	require.Equal(t, LimiterBucket, cfg.Limiter.Kind)
	require.Equal(t, 2.5, cfg.Limiter.Bucket.RefillPerSecond)
	require.Equal(t, 90*time.Second, cfg.Breaker.Cooldown)
	require.Equal(t, 250, cfg.Cursor.BatchOverride)

	// Unset keys keep their defaults.
	require.Equal(t, 5, cfg.Breaker.MaxAttempts)

	bc := cfg.BreakerConfig("upstream")
	require.Equal(t, "upstream", bc.Name)
	require.Equal(t, 2, bc.Threshold)

	rc := cfg.RunnerConfig()
	require.Equal(t, 250, rc.BatchOverride)
	require.Equal(t, 8, rc.Concurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_INGEST_STORE_DRIVER", "redis")
	t.Setenv("CATALOG_INGEST_STORE_REDIS_ADDR", "redis:6380")
	t.Setenv("CATALOG_INGEST_POOL_CONCURRENCY", "3")
	t.Setenv("CATALOG_INGEST_PAUSE_DEFAULT_PAUSE", "2m")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, store.DriverRedis, cfg.Store.Driver)
	require.Equal(t, "redis:6380", cfg.Store.RedisAddr)
	require.Equal(t, 3, cfg.Pool.Concurrency)
	require.Equal(t, 2*time.Minute, cfg.Pause.DefaultPause)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSharedRedisAddr_FallsBackToStore(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "localhost:6379", cfg.SharedRedisAddr())

	cfg.Limiter.Shared.RedisAddr = "limits:6379"
	require.Equal(t, "limits:6379", cfg.SharedRedisAddr())

	cfg.Limiter.Kind = LimiterShared
	require.NoError(t, cfg.Validate())

	sc := cfg.SharedLimiterConfig("catalog")
	require.Equal(t, "catalog", sc.Name)
	require.Equal(t, 300, sc.MaxEvents)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = store.DriverPostgres }, "postgres_dsn"},
		{"detail path without id", func(c *Config) { c.Source.DetailPath = "/items" }, "detail_path"},
		{"unknown limiter", func(c *Config) { c.Limiter.Kind = "leaky" }, "limiter.kind"},
		{"zero window events", func(c *Config) { c.Limiter.Window.MaxEvents = 0 }, "max_events"},
		{"shared without redis", func(c *Config) {
			c.Limiter.Kind = LimiterShared
			c.Store.RedisAddr = ""
		}, "limiter.shared.redis_addr"},
		{"zero threshold", func(c *Config) { c.Breaker.Threshold = 0 }, "breaker.threshold"},
		{"jitter too large", func(c *Config) { c.Breaker.JitterFraction = 1 }, "jitter_fraction"},
		{"backoff factor", func(c *Config) { c.Pause.BackoffFactor = 2 }, "backoff_factor"},
		{"zero concurrency", func(c *Config) { c.Pool.Concurrency = 0 }, "pool.concurrency"},
		{"negative override", func(c *Config) { c.Cursor.BatchOverride = -1 }, "batch_override"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
