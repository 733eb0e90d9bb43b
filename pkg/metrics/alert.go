package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

var alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_alerts_total",
	Help: "Alerts raised after debouncing by type",
}, []string{"type"})

// Alert types.
const (
	AlertRateLimited = "rate_limited"
	AlertServerError = "server_errors"
)

// Alert is raised when errors cluster inside the window.
type Alert struct {
	Type      string
	Count     int
	Threshold int
	Window    time.Duration
}

// AlertConfig configures threshold alerting.
type AlertConfig struct {
	// RateLimitThreshold raises AlertRateLimited at this many 429s. Zero disables.
	RateLimitThreshold int

	// ServerErrorThreshold raises AlertServerError at this many 5xxs. Zero disables.
	ServerErrorThreshold int

	// Debounce is the minimum interval between alerts of the same type.
	Debounce time.Duration

	// Notify is called for every alert that passes debouncing. Optional.
	Notify func(Alert)
}

// DefaultAlertConfig alerts at 10 429s or 3 5xxs, at most once per 5 minutes
// per type.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		RateLimitThreshold:   10,
		ServerErrorThreshold: 3,
		Debounce:             5 * time.Minute,
	}
}

func (c AlertConfig) enabled() bool {
	return c.RateLimitThreshold > 0 || c.ServerErrorThreshold > 0
}

// Alerter raises debounced alerts from window snapshots.
type Alerter struct {
	cfg    AlertConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	debounce map[string]*rate.Limiter
}

// NewAlerter creates an alerter. Debouncing runs on clk so it shares the
// timeline of the window it watches.
func NewAlerter(cfg AlertConfig, clk clock.Clock, logger zerolog.Logger) *Alerter {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Alerter{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		debounce: make(map[string]*rate.Limiter),
	}
}

// Check raises every alert whose threshold the snapshot meets.
func (a *Alerter) Check(snap Snapshot) {
	if a.cfg.RateLimitThreshold > 0 && snap.RateLimited >= a.cfg.RateLimitThreshold {
		a.raise(Alert{Type: AlertRateLimited, Count: snap.RateLimited, Threshold: a.cfg.RateLimitThreshold, Window: snap.Window})
	}
	if a.cfg.ServerErrorThreshold > 0 && snap.ServerErrors >= a.cfg.ServerErrorThreshold {
		a.raise(Alert{Type: AlertServerError, Count: snap.ServerErrors, Threshold: a.cfg.ServerErrorThreshold, Window: snap.Window})
	}
}

func (a *Alerter) raise(alert Alert) {
	a.mu.Lock()
	lim, ok := a.debounce[alert.Type]
	if !ok {
		lim = rate.NewLimiter(rate.Every(a.cfg.Debounce), 1)
		a.debounce[alert.Type] = lim
	}
	allowed := lim.AllowN(a.clock.Now(), 1)
	a.mu.Unlock()

	if !allowed {
		return
	}

	alertsTotal.WithLabelValues(alert.Type).Inc()
	a.logger.Warn().
		Str("alert", alert.Type).
		Int("count", alert.Count).
		Int("threshold", alert.Threshold).
		Dur("window", alert.Window).
		Msg("Upstream error threshold reached")
	if a.cfg.Notify != nil {
		a.cfg.Notify(alert)
	}
}
