package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

// Redis key layout for shared windows.
const (
	sharedKeyPrefix = "ingest:ratelimit:"
)

// SharedWindowConfig configures a SharedWindow limiter.
type SharedWindowConfig struct {
	// Name labels metrics and log lines and forms part of the Redis key.
	Name string

	// MaxEvents is the number of admissions allowed per window across all
	// processes sharing the key.
	MaxEvents int

	// Window is the length of one admission window.
	Window time.Duration
}

// SharedWindowState is the counter of the current window as seen in Redis.
type SharedWindowState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
}

// SharedWindow is a fixed-window limiter whose counter lives in Redis, so
// several ingest processes draw from one request budget. Windows are aligned
// to wall-clock multiples of Window; processes need roughly synchronized
// clocks.
type SharedWindow struct {
	redis  redis.Cmdable
	cfg    SharedWindowConfig
	clock  clock.Clock
	logger zerolog.Logger
}

// NewSharedWindow creates a limiter using the given Redis client.
func NewSharedWindow(client redis.Cmdable, cfg SharedWindowConfig, clk clock.Clock, logger zerolog.Logger) *SharedWindow {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "shared"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SharedWindow{
		redis:  client,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("limiter", cfg.Name).Logger(),
	}
}

// Take blocks until the shared window has room or ctx is done. Rejected
// attempts still count against the window they landed in.
func (l *SharedWindow) Take(ctx context.Context) error {
	started := l.clock.Now()
	for {
		now := l.clock.Now()
		start := windowStart(now, l.cfg.Window)

		count, err := l.incr(ctx, start)
		if err != nil {
			return err
		}
		if count <= int64(l.cfg.MaxEvents) {
			limiterWaitSeconds.WithLabelValues(l.cfg.Name).Observe(l.clock.Now().Sub(started).Seconds())
			limiterTokens.WithLabelValues(l.cfg.Name).Set(float64(int64(l.cfg.MaxEvents) - count))
			return nil
		}

		wait := start.Add(l.cfg.Window).Sub(now)
		l.logger.Debug().
			Int64("count", count).
			Dur("wait", wait).
			Msg("Shared window exhausted, waiting for next window")
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// State reads the counter of the current window.
func (l *SharedWindow) State(ctx context.Context) (SharedWindowState, error) {
	now := l.clock.Now()
	start := windowStart(now, l.cfg.Window)

	state := SharedWindowState{
		WindowStart: start,
		ResetAt:     start.Add(l.cfg.Window),
		Remaining:   l.cfg.MaxEvents,
	}

	val, err := l.redis.Get(ctx, l.key(start)).Result()
	if errors.Is(err, redis.Nil) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("shared window %s: get: %w", l.cfg.Name, err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return state, fmt.Errorf("shared window %s: parse count %q: %w", l.cfg.Name, val, err)
	}
	state.Count = count
	state.Remaining = max(l.cfg.MaxEvents-count, 0)
	return state, nil
}

func (l *SharedWindow) incr(ctx context.Context, start time.Time) (int64, error) {
	key := l.key(start)

	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, 2*l.cfg.Window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("shared window %s: incr: %w", l.cfg.Name, err)
	}
	return incr.Val(), nil
}

func (l *SharedWindow) key(start time.Time) string {
	return sharedWindowKey(l.cfg.Name, start)
}

func sharedWindowKey(name string, start time.Time) string {
	return sharedKeyPrefix + name + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
