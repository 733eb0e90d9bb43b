package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total number of upstream calls by endpoint and HTTP status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Upstream call duration by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// Sample is one recorded upstream call.
type Sample struct {
	Endpoint     string
	Status       int
	Duration     time.Duration
	PayloadBytes int
	At           time.Time
	Err          bool
}

// Snapshot summarises the samples inside the window.
type Snapshot struct {
	Window          time.Duration `json:"window"`
	Total           int           `json:"total"`
	Success         int           `json:"success"`
	Errors          int           `json:"errors"`
	RateLimited     int           `json:"rate_limited"`
	ServerErrors    int           `json:"server_errors"`
	AvgDuration     time.Duration `json:"avg_duration"`
	AvgPayloadBytes float64       `json:"avg_payload_bytes"`
	OldestSampleAt  time.Time     `json:"oldest_sample_at"`
	DroppedOverCap  int           `json:"dropped_over_cap"`
}

// WindowConfig configures a Window.
type WindowConfig struct {
	// Window is the trailing retention period.
	Window time.Duration

	// MaxSamples bounds memory regardless of call rate.
	MaxSamples int

	// Alerts configures threshold alerting. A zero value disables alerts.
	Alerts AlertConfig
}

// DefaultWindowConfig returns a 15 minute window capped at 100k samples with
// default alerting.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Window:     15 * time.Minute,
		MaxSamples: 100_000,
		Alerts:     DefaultAlertConfig(),
	}
}

// Window is a trailing window of upstream call samples. Recording is O(1)
// amortised: aggregates are maintained incrementally and expired samples are
// dropped from the head. Safe for concurrent use.
type Window struct {
	cfg     WindowConfig
	clock   clock.Clock
	logger  zerolog.Logger
	alerter *Alerter

	mu      sync.Mutex
	samples []Sample
	head    int
	dropped int

	success     int
	errors      int
	rateLimited int
	serverErrs  int
	durSum      time.Duration
	bytesSum    int64
}

// NewWindow creates an empty window.
func NewWindow(cfg WindowConfig, clk clock.Clock, logger zerolog.Logger) *Window {
	def := DefaultWindowConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if clk == nil {
		clk = clock.Real()
	}

	w := &Window{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}
	if cfg.Alerts.enabled() {
		w.alerter = NewAlerter(cfg.Alerts, clk, logger)
	}
	return w
}

// RecordSuccess records a completed call.
func (w *Window) RecordSuccess(endpoint string, status int, d time.Duration, payloadBytes int) {
	w.record(Sample{Endpoint: endpoint, Status: status, Duration: d, PayloadBytes: payloadBytes})
}

// RecordError records a failed call. status is zero for transport failures.
func (w *Window) RecordError(endpoint string, status int, d time.Duration) {
	w.record(Sample{Endpoint: endpoint, Status: status, Duration: d, Err: true})
}

func (w *Window) record(s Sample) {
	s.At = w.clock.Now()

	requestsTotal.WithLabelValues(s.Endpoint, statusLabel(s.Status)).Inc()
	requestDuration.WithLabelValues(s.Endpoint).Observe(s.Duration.Seconds())

	w.mu.Lock()
	w.trimLocked(s.At)
	if w.lenLocked() >= w.cfg.MaxSamples {
		w.dropHeadLocked()
		w.dropped++
	}
	w.samples = append(w.samples, s)
	w.addLocked(s, 1)
	snap := w.snapshotLocked()
	w.mu.Unlock()

	if s.Err && w.alerter != nil {
		w.alerter.Check(snap)
	}
}

// Snapshot trims expired samples and summarises the rest.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimLocked(w.clock.Now())
	return w.snapshotLocked()
}

// Len returns the number of retained samples without trimming.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lenLocked()
}

func (w *Window) lenLocked() int {
	return len(w.samples) - w.head
}

func (w *Window) trimLocked(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	for w.head < len(w.samples) && !w.samples[w.head].At.After(cutoff) {
		w.dropHeadLocked()
	}
}

func (w *Window) dropHeadLocked() {
	w.addLocked(w.samples[w.head], -1)
	w.samples[w.head] = Sample{}
	w.head++

	// Compact once the dead prefix dominates the backing array.
	if w.head > 1024 && w.head*2 >= len(w.samples) {
		n := copy(w.samples, w.samples[w.head:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}

func (w *Window) addLocked(s Sample, sign int) {
	if s.Err {
		w.errors += sign
	} else {
		w.success += sign
	}
	if s.Status == 429 {
		w.rateLimited += sign
	}
	if s.Status >= 500 {
		w.serverErrs += sign
	}
	w.durSum += time.Duration(sign) * s.Duration
	w.bytesSum += int64(sign * s.PayloadBytes)
}

func (w *Window) snapshotLocked() Snapshot {
	snap := Snapshot{
		Window:         w.cfg.Window,
		Total:          w.lenLocked(),
		Success:        w.success,
		Errors:         w.errors,
		RateLimited:    w.rateLimited,
		ServerErrors:   w.serverErrs,
		DroppedOverCap: w.dropped,
	}
	if snap.Total > 0 {
		snap.AvgDuration = w.durSum / time.Duration(snap.Total)
		snap.AvgPayloadBytes = float64(w.bytesSum) / float64(snap.Total)
		snap.OldestSampleAt = w.samples[w.head].At
	}
	return snap
}

func statusLabel(status int) string {
	if status == 0 {
		return "network_error"
	}
	return strconv.Itoa(status)
}
