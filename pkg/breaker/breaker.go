// Package breaker wraps retrying upstream calls in a circuit breaker.
//
// A breaker starts closed. After Threshold consecutive calls whose retries
// were exhausted on transient faults it opens and rejects calls without
// invoking them. Once Cooldown has elapsed exactly one probe is admitted
// (half-open): success closes the circuit, failure reopens it and restarts
// the cooldown. 429 responses are retried after the server-supplied delay
// and never count as failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

// Prometheus metrics for circuit state.
var (
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_circuit_state",
		Help: "Circuit state by breaker (0=closed, 1=open, 2=half_open)",
	}, []string{"breaker"})

	circuitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_circuit_rejections_total",
		Help: "Calls rejected without I/O because the circuit was open",
	}, []string{"breaker"})
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// Config holds breaker configuration.
type Config struct {
	// Name labels metrics, logs and audit events.
	Name string

	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int

	// Cooldown is how long the circuit stays open before admitting a probe.
	Cooldown time.Duration

	// Retry configures the retry loop wrapped by the breaker.
	Retry RetryConfig
}

// DefaultConfig returns threshold 5, a 10 minute cooldown and the default
// retry schedule.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Threshold: 5,
		Cooldown:  10 * time.Minute,
		Retry:     DefaultRetryConfig(),
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	OpenedAt      time.Time     `json:"opened_at"`
	Threshold     int           `json:"threshold"`
	Cooldown      time.Duration `json:"cooldown"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

// Breaker is a circuit breaker around a retry loop. Safe for concurrent use.
type Breaker struct {
	cfg    Config
	clock  clock.Clock
	audit  store.AuditSink
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

// New creates a closed breaker. audit may be nil.
func New(cfg Config, clk clock.Clock, audit store.AuditSink, logger zerolog.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}

	b := &Breaker{
		cfg:    cfg,
		clock:  clk,
		audit:  audit,
		logger: logger.With().Str("breaker", cfg.Name).Logger(),
	}
	circuitState.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return b
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state. An open circuit whose cooldown has
// elapsed still reports open until the next call turns it half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.cfg.Name,
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
		Threshold:     b.cfg.Threshold,
		Cooldown:      b.cfg.Cooldown,
	}
}

// Do runs fn through the circuit and retry loop.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	out, err := b.retry(ctx, fn)
	b.release(out)
	return err
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.clock.Now().Sub(b.openedAt)
		if elapsed >= b.cfg.Cooldown {
			b.setStateLocked(StateHalfOpen)
			b.probing = true
			b.logger.Info().Msg("Circuit half-open, admitting probe")
			return nil
		}
		circuitRejectionsTotal.WithLabelValues(b.cfg.Name).Inc()
		return fmt.Errorf("%w: %s (retry in %s)", ErrCircuitOpen, b.cfg.Name, (b.cfg.Cooldown - elapsed).Round(time.Millisecond))
	default:
		if b.probing {
			circuitRejectionsTotal.WithLabelValues(b.cfg.Name).Inc()
			return fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, b.cfg.Name)
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) release(out outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	switch out {
	case outcomeSuccess:
		b.failureCount = 0
		if b.state != StateClosed {
			b.setStateLocked(StateClosed)
			b.logger.Info().Msg("Circuit closed after successful probe")
		}
	case outcomeFailure:
		now := b.clock.Now()
		b.failureCount++
		b.lastFailureAt = now

		switch {
		case b.state == StateHalfOpen:
			b.openedAt = now
			b.setStateLocked(StateOpen)
			b.logger.Warn().Dur("cooldown", b.cfg.Cooldown).Msg("Probe failed, circuit reopened")
		case b.state == StateClosed && b.failureCount >= b.cfg.Threshold:
			b.openedAt = now
			b.setStateLocked(StateOpen)
			b.logger.Warn().
				Int("failure_count", b.failureCount).
				Dur("cooldown", b.cfg.Cooldown).
				Msg("Circuit opened")
		}
	}
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	circuitState.WithLabelValues(b.cfg.Name).Set(float64(s))
}

// retry executes fn with exponential backoff, honouring Retry-After on 429.
func (b *Breaker) retry(ctx context.Context, fn func(context.Context) error) (outcome, error) {
	cfg := b.cfg.Retry

	var (
		lastErr   error
		lastClass ErrorClass
	)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				b.logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return outcomeSuccess, nil
		}

		if ctx.Err() != nil && isContextErr(err) {
			return outcomeNeutral, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		lastErr = err
		lastClass = Classify(err)

		if !shouldRetry(lastClass) {
			// A throttling stop leaves the circuit as it was; a half-open
			// probe stays pending.
			if throttled(err) {
				return outcomeNeutral, err
			}
			// The upstream answered; a 4xx says nothing about its health.
			return outcomeSuccess, err
		}

		var se *StatusError
		errors.As(err, &se)

		if lastClass != ErrorClassRateLimit {
			b.recordFault(ctx, attempt, lastClass, se, err)
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		var delay time.Duration
		if lastClass == ErrorClassRateLimit {
			delay = cfg.retryAfterFor(se, attempt)
		} else {
			delay = cfg.backoffFor(attempt)
		}

		retriesTotal.WithLabelValues(string(lastClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(delay.Seconds())

		b.logger.Warn().
			Str("error_class", string(lastClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying request after backoff")

		if err := b.clock.Sleep(ctx, delay); err != nil {
			b.logger.Warn().
				Str("error_class", string(lastClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return outcomeNeutral, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()

	if lastClass == ErrorClassRateLimit {
		b.logger.Warn().
			Int("max_attempts", cfg.MaxAttempts).
			Msg("Rate limited on every attempt")
		return outcomeNeutral, fmt.Errorf("%w after %d attempts: %w", ErrRateLimited, cfg.MaxAttempts, lastErr)
	}

	b.logger.Error().
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")
	return outcomeFailure, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}

// recordFault appends an audit event for a transient fault.
func (b *Breaker) recordFault(ctx context.Context, attempt int, class ErrorClass, se *StatusError, err error) {
	if b.audit == nil {
		return
	}

	ev := store.NewAuditEvent(b.clock.Now(), b.cfg.Name, "upstream_fault")
	ev.Attempt = attempt
	ev.ErrorClass = string(class)
	ev.Message = err.Error()
	if se != nil {
		ev.StatusCode = se.StatusCode
	}

	if appendErr := b.audit.Append(ctx, ev); appendErr != nil {
		b.logger.Warn().Err(appendErr).Msg("Failed to append audit event")
	}
}
