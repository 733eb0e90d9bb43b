// Package metrics keeps a trailing window of upstream call samples, raises
// debounced alerts when 429s or 5xxs cluster, and documents every Prometheus
// metric exported by the ingest core.
//
// Metrics are defined in their owning packages via promauto to keep packages
// independent; this file is the reference list.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the ingest core.
// All metrics are registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer exposes the registered metrics, for example to promhttp.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Rate Limiter Metrics (pkg/ratelimit):
//   - ingest_ratelimit_wait_seconds{limiter} (Histogram): Time spent waiting for admission
//   - ingest_ratelimit_tokens{limiter} (Gauge): Tokens or shared window slots left after the last admission
//   - ingest_ratelimit_backoffs_total{limiter} (Counter): Temporary slow-downs applied
//
// Circuit Breaker Metrics (pkg/breaker):
//   - ingest_circuit_state{breaker} (Gauge): 0=closed, 1=open, 2=half_open
//   - ingest_circuit_rejections_total{breaker} (Counter): Calls rejected without I/O
//   - ingest_retries_total{error_class} (Counter): Retry attempts by error class
//   - ingest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ingest_retry_exhausted_total{error_class} (Counter): Calls that exhausted their attempts
//
// Pause Metrics (pkg/pause):
//   - ingest_pause_strikes{key} (Gauge): Current 429 strike count
//   - ingest_pause_exceeded_total{key} (Counter): Strike threshold reached
//
// Request Metrics (pkg/metrics):
//   - ingest_requests_total{endpoint, status} (Counter): Upstream calls by endpoint and HTTP status
//   - ingest_request_duration_seconds{endpoint} (Histogram): Upstream call duration
//   - ingest_alerts_total{type} (Counter): Alerts raised (after debouncing)
//
// Exclusion Metrics (pkg/exclusion):
//   - ingest_excluded_ids{reason} (Gauge): Excluded ids by reason in the loaded cache
//   - ingest_exclusion_flush_errors_total (Counter): Failed bucket flushes
//
// Cursor Metrics (pkg/cursor):
//   - ingest_cursor_processed{cursor} (Gauge): Items attempted so far
//   - ingest_cursor_target{cursor} (Gauge): Current scan target
//
// Cache Metrics (pkg/cache):
//   - ingest_cache_hits_total{source} (Counter): Id list responses served from cache
//   - ingest_cache_misses_total{store} (Counter): Lookups without a stored entry
//   - ingest_cache_not_modified_total (Counter): Stale entries renewed by a 304
//   - ingest_cache_errors_total{store, operation} (Counter): Cache store errors
//
// Store Metrics (pkg/store):
//   - ingest_store_errors_total{backend, operation} (Counter): Persistence errors
//
// Example Prometheus Queries:
//
//   # Circuits currently open
//   ingest_circuit_state == 1
//
//   # 429 share of upstream calls
//   sum(rate(ingest_requests_total{status="429"}[5m])) / sum(rate(ingest_requests_total[5m]))
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(ingest_request_duration_seconds_bucket[5m]))
//
//   # Scan completion
//   ingest_cursor_processed / ingest_cursor_target
