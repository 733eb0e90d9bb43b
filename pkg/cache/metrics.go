package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits counts requests answered by a fresh entry, by upstream.
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_hits_total",
			Help: "Upstream responses served from cache",
		},
		[]string{"source"},
	)

	// Misses counts lookups without a usable entry.
	Misses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_misses_total",
			Help: "Cache lookups without a stored entry",
		},
		[]string{"store"},
	)

	// NotModified counts 304 responses that renewed a stale entry.
	NotModified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_cache_not_modified_total",
			Help: "Stale cache entries renewed by a 304 Not Modified",
		},
	)

	// Errors counts failed store operations.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_errors_total",
			Help: "Cache store operation errors",
		},
		[]string{"store", "operation"}, // get, set, delete
	)
)
