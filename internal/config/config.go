// Package config loads catalog-ingest configuration from defaults, an
// optional YAML file and CATALOG_INGEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Sternrassler/catalog-ingest/pkg/breaker"
	"github.com/Sternrassler/catalog-ingest/pkg/cache"
	"github.com/Sternrassler/catalog-ingest/pkg/cursor"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
	"github.com/Sternrassler/catalog-ingest/pkg/ingest"
	"github.com/Sternrassler/catalog-ingest/pkg/logging"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
	"github.com/Sternrassler/catalog-ingest/pkg/pause"
	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/Sternrassler/catalog-ingest/pkg/source"
	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

// EnvPrefix prefixes every environment override, e.g.
// CATALOG_INGEST_STORE_DRIVER overrides store.driver.
const EnvPrefix = "CATALOG_INGEST"

// Limiter kinds.
const (
	LimiterWindow = "window"
	LimiterBucket = "bucket"
	LimiterShared = "shared"
)

// Config is the full application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     store.Config    `mapstructure:"store"`
	Source    source.Config   `mapstructure:"source"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Pause     PauseConfig     `mapstructure:"pause"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Cursor    CursorConfig    `mapstructure:"cursor"`
	Exclusion ExclusionConfig `mapstructure:"exclusion"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// LimiterConfig selects and configures the outbound limiter.
type LimiterConfig struct {
	Kind   string              `mapstructure:"kind"`
	Window WindowLimiterConfig `mapstructure:"window"`
	Bucket BucketLimiterConfig `mapstructure:"bucket"`
	Shared SharedLimiterConfig `mapstructure:"shared"`
}

// WindowLimiterConfig configures the fixed-window limiter.
type WindowLimiterConfig struct {
	MaxEvents  int           `mapstructure:"max_events"`
	Window     time.Duration `mapstructure:"window"`
	MinSpacing time.Duration `mapstructure:"min_spacing"`
}

// SharedLimiterConfig points the shared limiter at its Redis instance. The
// budget itself comes from the window section. An empty address falls back
// to store.redis_addr.
type SharedLimiterConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// BucketLimiterConfig configures the token bucket.
type BucketLimiterConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	RefillPerSecond float64       `mapstructure:"refill_per_second"`
	MinDelay        time.Duration `mapstructure:"min_delay"`
	Jitter          time.Duration `mapstructure:"jitter"`
}

// BreakerConfig configures the circuit breaker and its retry loop.
type BreakerConfig struct {
	Threshold         int           `mapstructure:"threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	MaxRetryAfter     time.Duration `mapstructure:"max_retry_after"`
}

// PauseConfig configures 429 strike handling.
type PauseConfig struct {
	ResetWindow     time.Duration `mapstructure:"reset_window"`
	Threshold       int           `mapstructure:"threshold"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	DefaultPause    time.Duration `mapstructure:"default_pause"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	BackoffDuration time.Duration `mapstructure:"backoff_duration"`
}

// PoolConfig configures the lane pool.
type PoolConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// CursorConfig configures the batch cursor.
type CursorConfig struct {
	Name          string        `mapstructure:"name"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	BatchOverride int           `mapstructure:"batch_override"`
	MaxBatches    int           `mapstructure:"max_batches"`
}

// ExclusionConfig configures the exclusion registry.
type ExclusionConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MetricsConfig configures the trailing window and alerts.
type MetricsConfig struct {
	Window               time.Duration `mapstructure:"window"`
	MaxSamples           int           `mapstructure:"max_samples"`
	RateLimitThreshold   int           `mapstructure:"rate_limit_threshold"`
	ServerErrorThreshold int           `mapstructure:"server_error_threshold"`
	AlertDebounce        time.Duration `mapstructure:"alert_debounce"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// setDefaults registers every key so environment overrides apply on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("store.driver", store.DriverMemory)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "catalog-ingest")
	v.SetDefault("store.audit_max_len", 10_000)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.postgres_max_conns", 10)
	v.SetDefault("store.libsql_path", "catalog-ingest.db")

	src := source.DefaultConfig()
	v.SetDefault("source.name", src.Name)
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.list_path", src.ListPath)
	v.SetDefault("source.detail_path", src.DetailPath)
	v.SetDefault("source.timeout", src.Timeout)
	v.SetDefault("source.user_agent", src.UserAgent)
	v.SetDefault("source.headers", map[string]string{})
	v.SetDefault("source.max_body_bytes", src.MaxBodyBytes)
	v.SetDefault("source.page_param", "")
	v.SetDefault("source.pages_header", src.PagesHeader)
	v.SetDefault("source.page_concurrency", 4)
	v.SetDefault("source.list_cache", false)
	v.SetDefault("source.list_cache_ttl", cache.DefaultTTL)

	v.SetDefault("limiter.kind", LimiterWindow)
	v.SetDefault("limiter.window.max_events", 300)
	v.SetDefault("limiter.window.window", time.Minute)
	v.SetDefault("limiter.window.min_spacing", 200*time.Millisecond)
	v.SetDefault("limiter.bucket.capacity", 20)
	v.SetDefault("limiter.bucket.refill_per_second", 5)
	v.SetDefault("limiter.bucket.min_delay", 50*time.Millisecond)
	v.SetDefault("limiter.bucket.jitter", 50*time.Millisecond)
	v.SetDefault("limiter.shared.redis_addr", "")
	v.SetDefault("limiter.shared.redis_password", "")
	v.SetDefault("limiter.shared.redis_db", 0)

	br := breaker.DefaultConfig("")
	v.SetDefault("breaker.threshold", br.Threshold)
	v.SetDefault("breaker.cooldown", br.Cooldown)
	v.SetDefault("breaker.max_attempts", br.Retry.MaxAttempts)
	v.SetDefault("breaker.initial_backoff", br.Retry.InitialBackoff)
	v.SetDefault("breaker.max_backoff", br.Retry.MaxBackoff)
	v.SetDefault("breaker.backoff_multiplier", br.Retry.BackoffMultiplier)
	v.SetDefault("breaker.jitter_fraction", br.Retry.JitterFraction)
	v.SetDefault("breaker.max_retry_after", br.Retry.MaxRetryAfter)

	pc := pause.DefaultConfig()
	rc := ingest.DefaultConfig()
	v.SetDefault("pause.reset_window", pc.ResetWindow)
	v.SetDefault("pause.threshold", pc.Threshold)
	v.SetDefault("pause.poll_interval", pc.PollInterval)
	v.SetDefault("pause.default_pause", rc.PauseOn429)
	v.SetDefault("pause.backoff_factor", rc.BackoffFactor)
	v.SetDefault("pause.backoff_duration", rc.BackoffDuration)

	v.SetDefault("pool.concurrency", rc.Concurrency)

	v.SetDefault("cursor.name", cursor.DefaultName)
	v.SetDefault("cursor.cache_ttl", cursor.DefaultCacheTTL)
	v.SetDefault("cursor.batch_override", 0)
	v.SetDefault("cursor.max_batches", 0)

	v.SetDefault("exclusion.cache_ttl", exclusion.DefaultCacheTTL)

	mw := metrics.DefaultWindowConfig()
	v.SetDefault("metrics.window", mw.Window)
	v.SetDefault("metrics.max_samples", mw.MaxSamples)
	v.SetDefault("metrics.rate_limit_threshold", mw.Alerts.RateLimitThreshold)
	v.SetDefault("metrics.server_error_threshold", mw.Alerts.ServerErrorThreshold)
	v.SetDefault("metrics.alert_debounce", mw.Alerts.Debounce)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(c.Store.Driver) {
	case store.DriverMemory, store.DriverRedis, store.DriverLibsql:
	case store.DriverPostgres:
		check(c.Store.PostgresDSN != "", "store.postgres_dsn is required for the postgres driver")
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, redis, postgres, libsql", c.Store.Driver))
	}

	check(strings.Contains(c.Source.DetailPath, "{id}"), "source.detail_path must contain {id}")
	check(c.Source.Timeout > 0, "source.timeout must be positive")

	switch c.Limiter.Kind {
	case LimiterWindow:
		check(c.Limiter.Window.MaxEvents > 0, "limiter.window.max_events must be positive")
		check(c.Limiter.Window.Window > 0, "limiter.window.window must be positive")
		check(c.Limiter.Window.MinSpacing >= 0, "limiter.window.min_spacing must not be negative")
	case LimiterBucket:
		check(c.Limiter.Bucket.Capacity >= 1, "limiter.bucket.capacity must be at least 1")
		check(c.Limiter.Bucket.RefillPerSecond > 0, "limiter.bucket.refill_per_second must be positive")
	case LimiterShared:
		check(c.Limiter.Window.MaxEvents > 0, "limiter.window.max_events must be positive")
		check(c.Limiter.Window.Window > 0, "limiter.window.window must be positive")
		check(c.SharedRedisAddr() != "", "limiter.shared.redis_addr or store.redis_addr is required for the shared limiter")
	default:
		errs = append(errs, fmt.Errorf("limiter.kind %q is not one of window, bucket, shared", c.Limiter.Kind))
	}

	check(c.Breaker.Threshold > 0, "breaker.threshold must be positive")
	check(c.Breaker.Cooldown > 0, "breaker.cooldown must be positive")
	check(c.Breaker.MaxAttempts > 0, "breaker.max_attempts must be positive")
	check(c.Breaker.BackoffMultiplier >= 1, "breaker.backoff_multiplier must be at least 1")
	check(c.Breaker.JitterFraction >= 0 && c.Breaker.JitterFraction < 1, "breaker.jitter_fraction must be in [0, 1)")

	check(c.Pause.Threshold > 0, "pause.threshold must be positive")
	check(c.Pause.DefaultPause > 0, "pause.default_pause must be positive")
	check(c.Pause.BackoffFactor > 0 && c.Pause.BackoffFactor <= 1, "pause.backoff_factor must be in (0, 1]")

	check(c.Pool.Concurrency > 0, "pool.concurrency must be positive")
	check(c.Cursor.Name != "", "cursor.name is required")
	check(c.Cursor.BatchOverride >= 0, "cursor.batch_override must not be negative")
	check(c.Cursor.MaxBatches >= 0, "cursor.max_batches must not be negative")
	check(c.Metrics.Window > 0, "metrics.window must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoggingConfig converts the log section.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// BreakerConfig converts the breaker section for the named breaker.
func (c *Config) BreakerConfig(name string) breaker.Config {
	return breaker.Config{
		Name:      name,
		Threshold: c.Breaker.Threshold,
		Cooldown:  c.Breaker.Cooldown,
		Retry: breaker.RetryConfig{
			MaxAttempts:       c.Breaker.MaxAttempts,
			InitialBackoff:    c.Breaker.InitialBackoff,
			MaxBackoff:        c.Breaker.MaxBackoff,
			BackoffMultiplier: c.Breaker.BackoffMultiplier,
			JitterFraction:    c.Breaker.JitterFraction,
			MaxRetryAfter:     c.Breaker.MaxRetryAfter,
		},
	}
}

// PauseConfig converts the pause section.
func (c *Config) PauseConfig() pause.Config {
	return pause.Config{
		ResetWindow:  c.Pause.ResetWindow,
		Threshold:    c.Pause.Threshold,
		PollInterval: c.Pause.PollInterval,
	}
}

// WindowLimiterConfig converts the window limiter section.
func (c *Config) WindowLimiterConfig(name string) ratelimit.WindowConfig {
	return ratelimit.WindowConfig{
		Name:       name,
		MaxEvents:  c.Limiter.Window.MaxEvents,
		Window:     c.Limiter.Window.Window,
		MinSpacing: c.Limiter.Window.MinSpacing,
	}
}

// SharedLimiterConfig converts the window section for the shared limiter.
func (c *Config) SharedLimiterConfig(name string) ratelimit.SharedWindowConfig {
	return ratelimit.SharedWindowConfig{
		Name:      name,
		MaxEvents: c.Limiter.Window.MaxEvents,
		Window:    c.Limiter.Window.Window,
	}
}

// SharedRedisAddr is the Redis address used by the shared limiter.
func (c *Config) SharedRedisAddr() string {
	if c.Limiter.Shared.RedisAddr != "" {
		return c.Limiter.Shared.RedisAddr
	}
	return c.Store.RedisAddr
}

// BucketLimiterConfig converts the bucket limiter section.
func (c *Config) BucketLimiterConfig(name string) ratelimit.BucketConfig {
	return ratelimit.BucketConfig{
		Name:            name,
		Capacity:        c.Limiter.Bucket.Capacity,
		RefillPerSecond: c.Limiter.Bucket.RefillPerSecond,
		MinDelay:        c.Limiter.Bucket.MinDelay,
		Jitter:          c.Limiter.Bucket.Jitter,
	}
}

// MetricsConfig converts the metrics section. notify receives raised alerts
// and may be nil.
func (c *Config) MetricsConfig(notify func(metrics.Alert)) metrics.WindowConfig {
	return metrics.WindowConfig{
		Window:     c.Metrics.Window,
		MaxSamples: c.Metrics.MaxSamples,
		Alerts: metrics.AlertConfig{
			RateLimitThreshold:   c.Metrics.RateLimitThreshold,
			ServerErrorThreshold: c.Metrics.ServerErrorThreshold,
			Debounce:             c.Metrics.AlertDebounce,
			Notify:               notify,
		},
	}
}

// RunnerConfig converts the sections driving the ingest runner.
func (c *Config) RunnerConfig() ingest.Config {
	return ingest.Config{
		Concurrency:     c.Pool.Concurrency,
		BatchOverride:   c.Cursor.BatchOverride,
		PauseOn429:      c.Pause.DefaultPause,
		StrikeThreshold: c.Pause.Threshold,
		BackoffFactor:   c.Pause.BackoffFactor,
		BackoffDuration: c.Pause.BackoffDuration,
		MaxBatches:      c.Cursor.MaxBatches,
	}
}
