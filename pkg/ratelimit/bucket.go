package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

// minBackoffFactor bounds how far Backoff can slow the refill rate.
const minBackoffFactor = 0.05

// BucketConfig configures a TokenBucket.
type BucketConfig struct {
	// Name labels metrics and log lines.
	Name string

	// Capacity is the maximum number of stored tokens; the bucket starts full.
	Capacity int

	// RefillPerSecond is the base refill rate.
	RefillPerSecond float64

	// MinDelay and Jitter are the default flat pacing applied by Take.
	MinDelay time.Duration
	Jitter   time.Duration
}

// BucketState is a point-in-time copy of the bucket.
type BucketState struct {
	Tokens            float64
	Capacity          int
	BaseRefillRate    float64
	CurrentRefillRate float64
	SlowUntil         time.Time
}

// TokenBucket is a token bucket on top of rate.Limiter with temporary
// slow-down. Concurrent waiters race for tokens; whichever reserves first
// wins.
type TokenBucket struct {
	cfg    BucketConfig
	clock  clock.Clock
	logger zerolog.Logger
	lim    *rate.Limiter

	mu        sync.Mutex
	slowUntil time.Time
	rng       *rand.Rand
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(cfg BucketConfig, clk clock.Clock, logger zerolog.Logger) *TokenBucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 1
	}
	if cfg.Name == "" {
		cfg.Name = "bucket"
	}
	if clk == nil {
		clk = clock.Real()
	}

	lim := rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
	// Anchor the limiter on the injected timeline; it starts full.
	lim.SetLimitAt(clk.Now(), rate.Limit(cfg.RefillPerSecond))

	return &TokenBucket{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("limiter", cfg.Name).Logger(),
		lim:    lim,
		rng:    rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Take admits one unit using the configured pacing.
func (b *TokenBucket) Take(ctx context.Context) error {
	return b.TakeN(ctx, 1, b.cfg.MinDelay, b.cfg.Jitter)
}

// TakeN waits minDelay plus a random jitter in [0, jitter), then blocks until
// amount tokens are available and deducts them.
func (b *TokenBucket) TakeN(ctx context.Context, amount int, minDelay, jitter time.Duration) error {
	if amount <= 0 {
		amount = 1
	}
	if amount > b.cfg.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrAmountExceedsCapacity, amount, b.cfg.Capacity)
	}

	start := b.clock.Now()

	if pace := minDelay + b.jitter(jitter); pace > 0 {
		if err := b.clock.Sleep(ctx, pace); err != nil {
			return err
		}
	}

	b.mu.Lock()
	now := b.clock.Now()
	b.restoreLocked(now)
	r := b.lim.ReserveN(now, amount)
	b.mu.Unlock()

	if wait := r.DelayFrom(now); wait > 0 {
		b.logger.Debug().
			Int("amount", amount).
			Float64("refill_rate", float64(b.lim.Limit())).
			Dur("wait", wait).
			Msg("Waiting for tokens")

		if err := b.clock.Sleep(ctx, wait); err != nil {
			r.CancelAt(b.clock.Now())
			return err
		}
	}

	limiterTokens.WithLabelValues(b.cfg.Name).Set(b.State().Tokens)
	limiterWaitSeconds.WithLabelValues(b.cfg.Name).Observe(b.clock.Now().Sub(start).Seconds())
	return nil
}

// Backoff multiplies the refill rate by max(factor, 0.05) for d. The base rate
// is restored by the first take or State after the slow-down has elapsed.
func (b *TokenBucket) Backoff(factor float64, d time.Duration) {
	if factor < minBackoffFactor {
		factor = minBackoffFactor
	}
	slowed := rate.Limit(b.cfg.RefillPerSecond * factor)

	b.mu.Lock()
	now := b.clock.Now()
	b.restoreLocked(now)
	b.lim.SetLimitAt(now, slowed)
	b.slowUntil = now.Add(d)
	b.mu.Unlock()

	limiterBackoffsTotal.WithLabelValues(b.cfg.Name).Inc()
	b.logger.Warn().
		Float64("factor", factor).
		Float64("refill_rate", float64(slowed)).
		Dur("duration", d).
		Msg("Token bucket slowed down")
}

// State returns a copy of the bucket. Tokens reserved by pending waiters are
// not reported as a negative balance.
func (b *TokenBucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.restoreLocked(now)
	tokens := min(max(b.lim.TokensAt(now), 0), float64(b.cfg.Capacity))

	return BucketState{
		Tokens:            tokens,
		Capacity:          b.cfg.Capacity,
		BaseRefillRate:    b.cfg.RefillPerSecond,
		CurrentRefillRate: float64(b.lim.Limit()),
		SlowUntil:         b.slowUntil,
	}
}

// restoreLocked switches back to the base rate once the slow-down is over.
// Tokens accrue at the slowed rate up to slowUntil. Must hold b.mu.
func (b *TokenBucket) restoreLocked(now time.Time) {
	if b.slowUntil.IsZero() || now.Before(b.slowUntil) {
		return
	}
	b.lim.SetLimitAt(b.slowUntil, rate.Limit(b.cfg.RefillPerSecond))
	b.slowUntil = time.Time{}
}

func (b *TokenBucket) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rng.Int63n(int64(max)))
}
