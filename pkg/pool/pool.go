package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds pool configuration.
type Config struct {
	// Concurrency is the number of lanes. It is clamped to [1, len(items)].
	Concurrency int

	// ProgressEvery logs progress after every N completed items. Zero disables.
	ProgressEvery int

	// Logger receives lane and progress logs. The zero value discards them.
	Logger zerolog.Logger
}

// DefaultConfig returns 10 lanes with progress logging every 500 items.
func DefaultConfig() Config {
	return Config{
		Concurrency:   10,
		ProgressEvery: 500,
		Logger:        zerolog.Nop(),
	}
}

// Run processes items with the given number of lanes and returns results in
// input order. worker converts failures into its result value; a failing item
// never aborts the pool.
func Run[T, R any](ctx context.Context, items []T, concurrency int, worker func(ctx context.Context, item T, i int) R) ([]R, error) {
	cfg := DefaultConfig()
	cfg.Concurrency = concurrency
	cfg.ProgressEvery = 0
	return Execute(ctx, cfg, items, worker)
}

// Execute is Run with full configuration.
//
// Lanes claim indices from a shared cursor, so no item is processed twice and
// results[i] always belongs to items[i]. Once ctx is done lanes stop claiming
// new items; unclaimed slots keep the zero value of R and ctx.Err() is
// returned alongside the partial results.
func Execute[T, R any](ctx context.Context, cfg Config, items []T, worker func(ctx context.Context, item T, i int) R) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, ctx.Err()
	}

	lanes := cfg.Concurrency
	if lanes < 1 {
		lanes = 1
	}
	if lanes > len(items) {
		lanes = len(items)
	}

	start := time.Now()
	logger := cfg.Logger

	var (
		next int64 = -1
		done int64
		wg   sync.WaitGroup
	)

	for lane := 0; lane < lanes; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			processed := 0

			for {
				if ctx.Err() != nil {
					logger.Debug().
						Int("lane", lane).
						Int("processed", processed).
						Msg("Lane stopping (context cancelled)")
					return
				}

				i := int(atomic.AddInt64(&next, 1))
				if i >= len(items) {
					break
				}

				results[i] = worker(ctx, items[i], i)
				processed++

				n := atomic.AddInt64(&done, 1)
				if cfg.ProgressEvery > 0 && n%int64(cfg.ProgressEvery) == 0 {
					logger.Info().
						Int64("completed", n).
						Int("total", len(items)).
						Float64("progress_pct", float64(n)/float64(len(items))*100).
						Msg("Pool progress")
				}
			}

			if processed > 0 {
				logger.Debug().
					Int("lane", lane).
					Int("processed", processed).
					Msg("Lane completed")
			}
		}(lane)
	}

	wg.Wait()

	logger.Debug().
		Int("items", len(items)).
		Int("lanes", lanes).
		Int64("completed", atomic.LoadInt64(&done)).
		Dur("duration", time.Since(start)).
		Msg("Pool finished")

	return results, ctx.Err()
}
