package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

// WindowConfig configures a FixedWindow limiter.
type WindowConfig struct {
	// Name labels metrics and log lines.
	Name string

	// MaxEvents is the number of admissions allowed per window.
	MaxEvents int

	// Window is the length of one admission window.
	Window time.Duration

	// MinSpacing is the minimum gap between two consecutive admissions.
	MinSpacing time.Duration
}

// WindowState is a point-in-time copy of the limiter's counters.
type WindowState struct {
	WindowStart  time.Time
	Count        int
	LastCallTime time.Time
}

type waiter struct {
	ctx  context.Context
	done chan error
}

// FixedWindow admits at most MaxEvents calls per Window. Admissions are
// serialized through one goroutine that owns the counters, so concurrent
// callers are admitted in the order they entered Take.
type FixedWindow struct {
	cfg    WindowConfig
	clock  clock.Clock
	logger zerolog.Logger

	queue     chan waiter
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	windowStart  time.Time
	count        int
	lastCallTime time.Time
}

// NewFixedWindow starts the admission goroutine. Call Close to stop it.
func NewFixedWindow(cfg WindowConfig, clk clock.Clock, logger zerolog.Logger) *FixedWindow {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "window"
	}
	if clk == nil {
		clk = clock.Real()
	}

	l := &FixedWindow{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("limiter", cfg.Name).Logger(),
		queue:  make(chan waiter),
		closed: make(chan struct{}),
	}
	go l.run()
	return l
}

// Take blocks until the call is admitted, ctx is done, or the limiter is
// closed.
func (l *FixedWindow) Take(ctx context.Context) error {
	w := waiter{ctx: ctx, done: make(chan error, 1)}
	start := l.clock.Now()

	select {
	case l.queue <- w:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrLimiterClosed
	}

	// The consumer always answers once it has taken the waiter, including
	// when w.ctx is cancelled mid-wait.
	err := <-w.done
	if err == nil {
		limiterWaitSeconds.WithLabelValues(l.cfg.Name).Observe(l.clock.Now().Sub(start).Seconds())
	}
	return err
}

// Close stops the admission goroutine. Pending and future Take calls return
// ErrLimiterClosed.
func (l *FixedWindow) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// State returns a copy of the current window counters.
func (l *FixedWindow) State() WindowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return WindowState{
		WindowStart:  l.windowStart,
		Count:        l.count,
		LastCallTime: l.lastCallTime,
	}
}

func (l *FixedWindow) run() {
	for {
		select {
		case <-l.closed:
			return
		case w := <-l.queue:
			w.done <- l.admit(w.ctx)
		}
	}
}

// admit runs on the consumer goroutine only.
func (l *FixedWindow) admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.cfg.MinSpacing > 0 {
		l.mu.Lock()
		last := l.lastCallTime
		l.mu.Unlock()

		if !last.IsZero() {
			if wait := l.cfg.MinSpacing - l.clock.Now().Sub(last); wait > 0 {
				if err := l.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
	}

	now := l.clock.Now()

	l.mu.Lock()
	if l.windowStart.IsZero() || !now.Before(l.windowStart.Add(l.cfg.Window)) {
		l.windowStart = now
		l.count = 0
	}
	if l.count < l.cfg.MaxEvents {
		l.count++
		l.lastCallTime = now
		l.mu.Unlock()
		return nil
	}
	wait := l.windowStart.Add(l.cfg.Window).Sub(now)
	l.mu.Unlock()

	l.logger.Debug().Dur("wait", wait).Int("max_events", l.cfg.MaxEvents).Msg("Window exhausted, waiting for next window")
	if err := l.sleep(ctx, wait); err != nil {
		return err
	}

	now = l.clock.Now()
	l.mu.Lock()
	l.windowStart = now
	l.count = 1
	l.lastCallTime = now
	l.mu.Unlock()
	return nil
}

// sleep waits for d, aborting on ctx or Close.
func (l *FixedWindow) sleep(ctx context.Context, d time.Duration) error {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-sleepCtx.Done():
		}
	}()

	if err := l.clock.Sleep(sleepCtx, d); err != nil {
		select {
		case <-l.closed:
			return ErrLimiterClosed
		default:
			return err
		}
	}
	return nil
}
