// Package ratelimit admits or delays outbound upstream calls.
//
// Three limiters are provided. FixedWindow admits at most N calls per window
// with optional minimum spacing and strict FIFO admission across goroutines.
// TokenBucket refills continuously, permits bursts up to its capacity and can
// be slowed temporarily with Backoff; it gives no ordering guarantee among
// concurrent waiters. SharedWindow keeps its window counter in Redis so that
// several processes share one budget.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrLimiterClosed is returned by Take after the limiter has been closed.
	ErrLimiterClosed = errors.New("rate limiter closed")

	// ErrAmountExceedsCapacity is returned when a single take asks for more
	// tokens than the bucket can ever hold.
	ErrAmountExceedsCapacity = errors.New("requested amount exceeds bucket capacity")
)

// Prometheus metrics for limiter behaviour.
var (
	limiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_ratelimit_wait_seconds",
		Help:    "Time spent waiting for admission by limiter",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	}, []string{"limiter"})

	limiterTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_ratelimit_tokens",
		Help: "Tokens or window slots left after the last admission",
	}, []string{"limiter"})

	limiterBackoffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_ratelimit_backoffs_total",
		Help: "Number of times a limiter was slowed down",
	}, []string{"limiter"})
)

// Limiter gates a single outbound call.
type Limiter interface {
	Take(ctx context.Context) error
}

// Throttler is a limiter whose admission rate can be reduced temporarily.
type Throttler interface {
	Limiter
	Backoff(factor float64, d time.Duration)
}
