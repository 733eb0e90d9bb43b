package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

func TestTokenBucket_EleventhTakeWaitsHalfSecond(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewTokenBucket(BucketConfig{Capacity: 10, RefillPerSecond: 2}, clk, zerolog.Nop())

	for i := 1; i <= 15; i++ {
		before := clk.Slept()
		if err := b.Take(context.Background()); err != nil {
			t.Fatalf("Take() #%d error = %v", i, err)
		}
		waited := clk.Slept() - before

		switch {
		case i <= 10 && waited != 0:
			t.Errorf("take #%d waited %v, want no wait while tokens remain", i, waited)
		case i == 11 && waited != 500*time.Millisecond:
			t.Errorf("take #11 waited %v, want 500ms", waited)
		}
	}
}

func TestTokenBucket_TokensStayInBounds(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewTokenBucket(BucketConfig{Capacity: 3, RefillPerSecond: 5}, clk, zerolog.Nop())

	check := func(step string) {
		s := b.State()
		if s.Tokens < 0 || s.Tokens > float64(s.Capacity) {
			t.Fatalf("%s: tokens = %v outside [0, %v]", step, s.Tokens, s.Capacity)
		}
	}

	for i := 0; i < 20; i++ {
		if err := b.TakeN(context.Background(), 2, 0, 0); err != nil {
			t.Fatalf("TakeN() error = %v", err)
		}
		check("after take")
	}

	clk.Advance(time.Hour)
	check("after long idle")
	if got := b.State().Tokens; got != 3 {
		t.Errorf("tokens after idle = %v, want capped at 3", got)
	}
}

func TestTokenBucket_Backoff(t *testing.T) {
	tests := []struct {
		name     string
		factor   float64
		wantRate float64
	}{
		{name: "halved", factor: 0.5, wantRate: 5},
		{name: "floored", factor: 0.001, wantRate: 0.5},
		{name: "exact floor", factor: 0.05, wantRate: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			b := NewTokenBucket(BucketConfig{Capacity: 10, RefillPerSecond: 10}, clk, zerolog.Nop())

			b.Backoff(tt.factor, 30*time.Second)

			if got := b.State().CurrentRefillRate; math.Abs(got-tt.wantRate) > 1e-9 {
				t.Errorf("rate during backoff = %v, want %v", got, tt.wantRate)
			}

			clk.Advance(29 * time.Second)
			if got := b.State().CurrentRefillRate; math.Abs(got-tt.wantRate) > 1e-9 {
				t.Errorf("rate before expiry = %v, want %v", got, tt.wantRate)
			}

			clk.Advance(time.Second)
			state := b.State()
			if state.CurrentRefillRate != 10 {
				t.Errorf("rate after expiry = %v, want base 10", state.CurrentRefillRate)
			}
			if !state.SlowUntil.IsZero() {
				t.Errorf("SlowUntil = %v, want cleared", state.SlowUntil)
			}
		})
	}
}

func TestTokenBucket_BackoffSlowsRefill(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewTokenBucket(BucketConfig{Capacity: 1, RefillPerSecond: 4}, clk, zerolog.Nop())

	if err := b.Take(context.Background()); err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	b.Backoff(0.25, time.Minute)

	before := clk.Slept()
	if err := b.Take(context.Background()); err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if waited := clk.Slept() - before; waited != time.Second {
		t.Errorf("waited %v at 1 token/s, want 1s", waited)
	}
}

func TestTokenBucket_RefillAcrossBackoffExpiry(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewTokenBucket(BucketConfig{Capacity: 20, RefillPerSecond: 10}, clk, zerolog.Nop())

	if err := b.TakeN(context.Background(), 20, 0, 0); err != nil {
		t.Fatalf("TakeN() error = %v", err)
	}
	b.Backoff(0.5, time.Second)

	// 1s at 5 tokens/s, then 1s back at the base 10 tokens/s.
	clk.Advance(2 * time.Second)
	state := b.State()
	if math.Abs(state.Tokens-15) > 1e-9 {
		t.Errorf("tokens = %v, want 15", state.Tokens)
	}
	if state.CurrentRefillRate != 10 {
		t.Errorf("rate = %v, want base 10", state.CurrentRefillRate)
	}
}

func TestTokenBucket_CancelledWaitReturnsTokens(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewTokenBucket(BucketConfig{Capacity: 2, RefillPerSecond: 1}, clk, zerolog.Nop())

	if err := b.TakeN(context.Background(), 2, 0, 0); err != nil {
		t.Fatalf("TakeN() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.TakeN(ctx, 1, 0, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("TakeN() error = %v, want context.Canceled", err)
	}

	// The abandoned reservation must not delay the next taker.
	clk.Advance(time.Second)
	before := clk.Slept()
	if err := b.TakeN(context.Background(), 1, 0, 0); err != nil {
		t.Fatalf("TakeN() error = %v", err)
	}
	if waited := clk.Slept() - before; waited != 0 {
		t.Errorf("waited %v after cancelled reservation, want 0", waited)
	}
}

func TestTokenBucket_MinDelayAndJitter(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewTokenBucket(BucketConfig{Capacity: 100, RefillPerSecond: 1}, clk, zerolog.Nop())

	if err := b.TakeN(context.Background(), 1, 100*time.Millisecond, 0); err != nil {
		t.Fatalf("TakeN() error = %v", err)
	}
	if got := clk.Slept(); got != 100*time.Millisecond {
		t.Errorf("slept %v, want exactly the min delay", got)
	}

	for i := 0; i < 20; i++ {
		before := clk.Slept()
		if err := b.TakeN(context.Background(), 1, 50*time.Millisecond, 20*time.Millisecond); err != nil {
			t.Fatalf("TakeN() error = %v", err)
		}
		waited := clk.Slept() - before
		if waited < 50*time.Millisecond || waited >= 70*time.Millisecond {
			t.Errorf("pacing %v outside [50ms, 70ms)", waited)
		}
	}
}

func TestTokenBucket_AmountExceedsCapacity(t *testing.T) {
	b := NewTokenBucket(BucketConfig{Capacity: 2, RefillPerSecond: 1}, clock.NewFake(epoch), zerolog.Nop())

	if err := b.TakeN(context.Background(), 3, 0, 0); !errors.Is(err, ErrAmountExceedsCapacity) {
		t.Errorf("TakeN() error = %v, want ErrAmountExceedsCapacity", err)
	}
}

func TestTokenBucket_CancelWhileWaiting(t *testing.T) {
	b := NewTokenBucket(BucketConfig{Capacity: 1, RefillPerSecond: 0.01}, clock.Real(), zerolog.Nop())
	if err := b.Take(context.Background()); err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Take(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Take() error = %v, want deadline exceeded", err)
	}
}

func TestTokenBucket_ConcurrentTakers(t *testing.T) {
	b := NewTokenBucket(BucketConfig{Capacity: 5, RefillPerSecond: 2000}, clock.Real(), zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Take(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Take() error = %v", err)
		}
	}
	if s := b.State(); s.Tokens < 0 || s.Tokens > float64(s.Capacity) {
		t.Errorf("tokens = %v outside bounds", s.Tokens)
	}
}

func TestLimiterInterfaces(t *testing.T) {
	var _ Limiter = (*FixedWindow)(nil)
	var _ Throttler = (*TokenBucket)(nil)
}
