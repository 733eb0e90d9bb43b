// Package pause escalates repeated 429 responses into a per-key pause and,
// after enough strikes, a fatal stop for the current run.
//
// Report429 extends the key's pause and counts a strike. Strikes older than
// the reset window are forgotten before the new one is counted. Callers treat
// a true return from Report429 as ErrRateLimitExceeded and stop the run.
package pause

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

// ErrRateLimitExceeded is returned when a key collected too many 429 strikes.
var ErrRateLimitExceeded = errors.New("upstream rate limit exceeded")

// Prometheus metrics for pause escalation.
var (
	pauseStrikes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_pause_strikes",
		Help: "Current 429 strike count by key",
	}, []string{"key"})

	pauseExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pause_exceeded_total",
		Help: "Number of times a key reached its strike threshold",
	}, []string{"key"})
)

// Config holds monitor configuration.
type Config struct {
	// ResetWindow forgets strikes when the last one is older than this.
	ResetWindow time.Duration

	// Threshold is the default strike count at which Report429 returns true.
	Threshold int

	// PollInterval bounds each sleep in WaitIfPaused.
	PollInterval time.Duration
}

// DefaultConfig returns a 5 minute reset window, threshold 3 and 1s polling.
func DefaultConfig() Config {
	return Config{
		ResetWindow:  5 * time.Minute,
		Threshold:    3,
		PollInterval: time.Second,
	}
}

// Monitor tracks pause state per key. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu    sync.Mutex
	state map[string]*State
}

// NewMonitor creates a monitor with no paused keys.
func NewMonitor(cfg Config, clk clock.Clock, logger zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = def.ResetWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &Monitor{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		state:  make(map[string]*State),
	}
}

// Threshold returns the configured default strike threshold.
func (m *Monitor) Threshold() int {
	return m.cfg.Threshold
}

// Report429 records a strike for key and pauses it for at least pause.
// threshold <= 0 uses the configured default. It returns true once the key
// holds threshold or more strikes.
func (m *Monitor) Report429(key string, pause time.Duration, threshold int) bool {
	if threshold <= 0 {
		threshold = m.cfg.Threshold
	}

	m.mu.Lock()
	now := m.clock.Now()
	st := m.stateLocked(key)

	if st.strikesExpired(now, m.cfg.ResetWindow) {
		st.Strikes = 0
	}
	st.Strikes++
	st.LastStrikeAt = now

	if until := now.Add(pause); until.After(st.PausedUntil) {
		st.PausedUntil = until
	}

	strikes := st.Strikes
	pausedUntil := st.PausedUntil
	m.mu.Unlock()

	pauseStrikes.WithLabelValues(key).Set(float64(strikes))

	exceeded := strikes >= threshold
	if exceeded {
		pauseExceededTotal.WithLabelValues(key).Inc()
		m.logger.Error().
			Str("key", key).
			Int("strikes", strikes).
			Int("threshold", threshold).
			Msg("Rate limit strike threshold reached")
	} else {
		m.logger.Warn().
			Str("key", key).
			Int("strikes", strikes).
			Time("paused_until", pausedUntil).
			Msg("Upstream returned 429, pausing key")
	}

	return exceeded
}

// ReportSuccess clears strikes and any pause for key.
func (m *Monitor) ReportSuccess(key string) {
	m.mu.Lock()
	st, ok := m.state[key]
	cleared := ok && (st.Strikes > 0 || !st.PausedUntil.IsZero())
	if ok {
		st.Strikes = 0
		st.PausedUntil = time.Time{}
		st.LastStrikeAt = time.Time{}
	}
	m.mu.Unlock()

	if cleared {
		pauseStrikes.WithLabelValues(key).Set(0)
		m.logger.Debug().Str("key", key).Msg("Pause cleared after success")
	}
}

// WaitIfPaused blocks while key is paused, sleeping at most PollInterval at a
// time so that extensions and clears are observed.
func (m *Monitor) WaitIfPaused(ctx context.Context, key string) error {
	for {
		m.mu.Lock()
		var remaining time.Duration
		if st, ok := m.state[key]; ok {
			remaining = st.Remaining(m.clock.Now())
		}
		m.mu.Unlock()

		if remaining <= 0 {
			return ctx.Err()
		}

		wait := remaining
		if wait > m.cfg.PollInterval {
			wait = m.cfg.PollInterval
		}

		m.logger.Debug().Str("key", key).Dur("remaining", remaining).Msg("Key paused, waiting")

		if err := m.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Status returns the state of key. Unknown keys report a zero state.
func (m *Monitor) Status(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.state[key]; ok {
		return *st
	}
	return State{Key: key}
}

// All returns the state of every known key ordered by key.
func (m *Monitor) All() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.state))
	for _, st := range m.state {
		out = append(out, *st)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Monitor) stateLocked(key string) *State {
	st, ok := m.state[key]
	if !ok {
		st = &State{Key: key}
		m.state[key] = st
	}
	return st
}
