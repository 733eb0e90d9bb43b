package breaker

import (
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for the retry loop inside a breaker.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential schedule.
	MaxBackoff time.Duration

	// BackoffMultiplier is the growth factor between attempts.
	BackoffMultiplier float64

	// JitterFraction spreads each delay by ±fraction. Zero disables jitter.
	JitterFraction float64

	// MaxRetryAfter caps server-supplied 429 delays.
	MaxRetryAfter time.Duration
}

// DefaultRetryConfig returns five attempts with a 600ms base capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    600 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetryAfter:     10 * time.Minute,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = def.MaxRetryAfter
	}
	return c
}

// backoffFor returns the delay after the given failed attempt (1-based).
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.JitterFraction > 0 {
		d *= 1 - c.JitterFraction + rand.Float64()*2*c.JitterFraction
	}
	return time.Duration(d)
}

// retryAfterFor returns the delay to honour for a 429 on the given attempt.
func (c RetryConfig) retryAfterFor(se *StatusError, attempt int) time.Duration {
	if se != nil && se.RetryAfter > 0 {
		if se.RetryAfter > c.MaxRetryAfter {
			return c.MaxRetryAfter
		}
		return se.RetryAfter
	}
	return c.backoffFor(attempt)
}
