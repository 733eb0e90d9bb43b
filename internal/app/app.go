// Package app wires configured components into a runnable ingest core.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/internal/config"
	"github.com/Sternrassler/catalog-ingest/pkg/breaker"
	"github.com/Sternrassler/catalog-ingest/pkg/cache"
	"github.com/Sternrassler/catalog-ingest/pkg/clock"
	"github.com/Sternrassler/catalog-ingest/pkg/cursor"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
	"github.com/Sternrassler/catalog-ingest/pkg/ingest"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
	"github.com/Sternrassler/catalog-ingest/pkg/pause"
	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/Sternrassler/catalog-ingest/pkg/source"
	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

// App holds every component of one ingest process.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock

	Backend    *store.Backend
	Source     *source.Client
	Limiter    ratelimit.Limiter
	Breaker    *breaker.Breaker
	Pause      *pause.Monitor
	Metrics    *metrics.Window
	Exclusions *exclusion.Registry
	Cursor     *cursor.Cursor
	Runner     *ingest.Runner

	closers []io.Closer
}

// New opens the configured store and builds all components on it. The source
// is optional: without source.base_url the app can still report status and
// manage exclusions, but Runner is nil.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	backend, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a, err := NewWithBackend(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	a.closers = append([]io.Closer{backend}, a.closers...)
	return a, nil
}

// NewWithBackend builds all components on an already open backend. Close
// does not close the backend.
func NewWithBackend(cfg *config.Config, backend *store.Backend, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Clock:   clock.Real(),
		Backend: backend,
	}

	name := cfg.Source.Name

	a.Breaker = breaker.New(cfg.BreakerConfig(name), a.Clock, backend.Audit, logger.With().Str("component", "breaker").Logger())
	a.Pause = pause.NewMonitor(cfg.PauseConfig(), a.Clock, logger.With().Str("component", "pause").Logger())
	a.Metrics = metrics.NewWindow(cfg.MetricsConfig(a.notify), a.Clock, logger.With().Str("component", "metrics").Logger())
	a.Exclusions = exclusion.New(backend.Store, exclusion.Config{CacheTTL: cfg.Exclusion.CacheTTL}, a.Clock, logger.With().Str("component", "exclusion").Logger())
	a.Cursor = cursor.New(backend.Store, cursor.Config{Name: cfg.Cursor.Name, CacheTTL: cfg.Cursor.CacheTTL}, a.Clock, logger.With().Str("component", "cursor").Logger())

	limiterLog := logger.With().Str("component", "ratelimit").Logger()
	switch cfg.Limiter.Kind {
	case config.LimiterBucket:
		a.Limiter = ratelimit.NewTokenBucket(cfg.BucketLimiterConfig(name), a.Clock, limiterLog)
	case config.LimiterShared:
		client := backend.Redis
		if client == nil || cfg.Limiter.Shared.RedisAddr != "" {
			client = redis.NewClient(sharedRedisOptions(cfg))
			a.closers = append(a.closers, client)
		}
		a.Limiter = ratelimit.NewSharedWindow(client, cfg.SharedLimiterConfig(name), a.Clock, limiterLog)
	default:
		w := ratelimit.NewFixedWindow(cfg.WindowLimiterConfig(name), a.Clock, limiterLog)
		a.Limiter = w
		a.closers = append(a.closers, closerFunc(func() error { w.Close(); return nil }))
	}

	if cfg.Source.BaseURL == "" {
		return a, nil
	}

	var err error
	a.Source, err = source.New(cfg.Source, logger.With().Str("component", "source").Logger())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create source: %w", err)
	}
	if cfg.Source.ListCache {
		a.Source.SetCache(listCache(backend, cfg.Store.RedisPrefix, a.Clock))
	}

	a.Runner, err = ingest.New(cfg.RunnerConfig(), ingest.Deps{
		Source:     a.Source,
		Limiter:    a.Limiter,
		Breaker:    a.Breaker,
		Pause:      a.Pause,
		Metrics:    a.Metrics,
		Exclusions: a.Exclusions,
		Cursor:     a.Cursor,
		Sink:       ingest.NewStoreSink(backend.Store),
		Clock:      a.Clock,
	}, logger.With().Str("component", "ingest").Logger())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create runner: %w", err)
	}

	return a, nil
}

// listCache shares the list cache through Redis when the store is Redis.
func listCache(backend *store.Backend, prefix string, clk clock.Clock) cache.Store {
	if backend.Redis != nil {
		return cache.NewRedisStore(backend.Redis, prefix, clk)
	}
	return cache.NewMemoryStore(clk)
}

func sharedRedisOptions(cfg *config.Config) *redis.Options {
	if cfg.Limiter.Shared.RedisAddr != "" {
		return &redis.Options{
			Addr:     cfg.Limiter.Shared.RedisAddr,
			Password: cfg.Limiter.Shared.RedisPassword,
			DB:       cfg.Limiter.Shared.RedisDB,
		}
	}
	return &redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	}
}

// ErrNoSource is returned when an ingest run is requested without an upstream.
var ErrNoSource = errors.New("source.base_url is not configured")

// RequireRunner returns the runner or ErrNoSource.
func (a *App) RequireRunner() (*ingest.Runner, error) {
	if a.Runner == nil {
		return nil, ErrNoSource
	}
	return a.Runner, nil
}

// Close flushes dirty state and releases resources.
func (a *App) Close() error {
	ctx := context.Background()
	errs := []error{
		a.Exclusions.Flush(ctx),
		a.Cursor.Flush(ctx),
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (a *App) notify(alert metrics.Alert) {
	a.Logger.Warn().
		Str("type", alert.Type).
		Int("count", alert.Count).
		Int("threshold", alert.Threshold).
		Dur("window", alert.Window).
		Msg("Upstream error alert")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
