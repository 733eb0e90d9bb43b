// Package exclusion keeps a compact, persisted set of ids that ingestion must
// skip, each tagged with a single reason.
//
// Ids are grouped into buckets of 8192. Each bucket holds a primary bitmap
// plus one bitmap per reason and is persisted as one store record: the key is
// the bucket id, the blob is the 1024-byte primary bitmap and the payload is
// a JSON document with per-reason bitmaps and counts. Buckets are loaded into
// a TTL cache; mutations only flush dirty buckets, and a bucket that becomes
// empty is deleted.
package exclusion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

var (
	// ErrInvalidID is returned for negative ids and bucket ids.
	ErrInvalidID = errors.New("invalid id")

	// ErrUnknownReason is returned for reasons outside the known set.
	ErrUnknownReason = errors.New("unknown exclusion reason")
)

var (
	excludedIDs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_excluded_ids",
		Help: "Excluded ids by reason in the loaded cache",
	}, []string{"reason"})

	flushErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_exclusion_flush_errors_total",
		Help: "Number of failed exclusion bucket flushes",
	})
)

// DefaultCacheTTL is how long loaded buckets are trusted before reloading.
const DefaultCacheTTL = 5 * time.Minute

// Config holds registry configuration.
type Config struct {
	// CacheTTL bounds how long the in-memory cache is used without a reload.
	CacheTTL time.Duration
}

// BucketStatus describes one bucket.
type BucketStatus struct {
	BucketID  int64          `json:"bucket_id"`
	Total     int            `json:"total"`
	Counts    map[Reason]int `json:"counts"`
	Members   []int64        `json:"members"`
	Truncated bool           `json:"truncated"`
	Dirty     bool           `json:"dirty"`
}

// IDStatus describes one id and the bucket holding it.
type IDStatus struct {
	ID       int64        `json:"id"`
	Excluded bool         `json:"excluded"`
	Reason   Reason       `json:"reason,omitempty"`
	Bucket   BucketStatus `json:"bucket"`
}

// Summary aggregates the whole registry.
type Summary struct {
	Buckets  int            `json:"buckets"`
	Dirty    int            `json:"dirty"`
	Total    int            `json:"total"`
	ByReason map[Reason]int `json:"by_reason"`
}

// Registry is the exclusion set. Safe for concurrent use.
type Registry struct {
	store  store.Store
	clock  clock.Clock
	logger zerolog.Logger
	ttl    time.Duration

	mu       sync.Mutex
	buckets  map[int64]*bucket
	loadedAt time.Time
}

// New creates a registry backed by st. Nothing is read until first use.
func New(st store.Store, cfg Config, clk clock.Clock, logger zerolog.Logger) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		store:   st,
		clock:   clk,
		logger:  logger,
		ttl:     cfg.CacheTTL,
		buckets: make(map[int64]*bucket),
	}
}

// Has reports whether id is excluded.
func (r *Registry) Has(ctx context.Context, id int64) (bool, error) {
	reason, err := r.Reason(ctx, id)
	return reason != "", err
}

// Reason returns the reason id is excluded for, or "" if it is not.
func (r *Registry) Reason(ctx context.Context, id int64) (Reason, error) {
	if id < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return "", err
	}
	b, ok := r.buckets[BucketID(id)]
	if !ok {
		return "", nil
	}
	return b.reasonOf(id), nil
}

// Mark excludes id for reason. Moving an id between reasons never counts it
// twice; marking with its current reason is a no-op. A failed flush is logged
// and retried on the next mutation or Flush.
func (r *Registry) Mark(ctx context.Context, id int64, reason Reason) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if _, err := ParseReason(string(reason)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	bid := BucketID(id)
	b, ok := r.buckets[bid]
	if !ok {
		b = newBucket(bid)
		r.buckets[bid] = b
	}
	if !b.mark(id, reason) {
		return nil
	}

	r.logger.Debug().
		Int64("id", id).
		Int64("bucket_id", bid).
		Str("reason", string(reason)).
		Msg("Id excluded")

	r.flushAfterMutationLocked(ctx)
	return nil
}

// Clear removes id from the set and reports whether it was present.
func (r *Registry) Clear(ctx context.Context, id int64) (bool, error) {
	if id < 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return false, err
	}

	b, ok := r.buckets[BucketID(id)]
	if !ok || !b.clear(id) {
		return false, nil
	}

	r.logger.Debug().Int64("id", id).Int64("bucket_id", b.id).Msg("Exclusion cleared")
	r.flushAfterMutationLocked(ctx)
	return true, nil
}

// BucketStatus returns the bucket's counts and up to sampleLimit members.
func (r *Registry) BucketStatus(ctx context.Context, bucketID int64, sampleLimit int) (BucketStatus, error) {
	if bucketID < 0 {
		return BucketStatus{}, fmt.Errorf("%w: bucket %d", ErrInvalidID, bucketID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return BucketStatus{}, err
	}
	return r.bucketStatusLocked(bucketID, sampleLimit), nil
}

// StatusForID returns the id's exclusion state and its bucket status.
func (r *Registry) StatusForID(ctx context.Context, id int64, sampleLimit int) (IDStatus, error) {
	if id < 0 {
		return IDStatus{}, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return IDStatus{}, err
	}

	st := IDStatus{ID: id, Bucket: r.bucketStatusLocked(BucketID(id), sampleLimit)}
	if b, ok := r.buckets[BucketID(id)]; ok {
		st.Reason = b.reasonOf(id)
		st.Excluded = st.Reason != ""
	}
	return st, nil
}

// Summary aggregates every loaded bucket.
func (r *Registry) Summary(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return Summary{}, err
	}

	sum := Summary{ByReason: make(map[Reason]int)}
	for _, b := range r.buckets {
		if b.total == 0 && !b.dirty {
			continue
		}
		sum.Buckets++
		if b.dirty {
			sum.Dirty++
		}
		sum.Total += b.total
		for reason, n := range b.copyCounts() {
			sum.ByReason[reason] += n
		}
	}
	return sum, nil
}

// Flush persists every dirty bucket. Failures for individual buckets are
// joined; successfully written buckets stay clean.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

// Invalidate drops the cache so the next call reloads from the store. Dirty
// buckets are kept.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Registry) bucketStatusLocked(bucketID int64, sampleLimit int) BucketStatus {
	st := BucketStatus{BucketID: bucketID, Counts: map[Reason]int{}, Members: []int64{}}
	b, ok := r.buckets[bucketID]
	if !ok {
		return st
	}

	st.Total = b.total
	st.Counts = b.copyCounts()
	st.Dirty = b.dirty
	if sampleLimit > 0 {
		st.Members, st.Truncated = b.members(sampleLimit)
	} else {
		st.Truncated = b.total > 0
	}
	return st
}

// ensureLoadedLocked reloads all buckets when the cache is stale. Dirty
// buckets win over stored copies. A failed reload keeps the previous cache
// unless nothing was ever loaded.
func (r *Registry) ensureLoadedLocked(ctx context.Context) error {
	now := r.clock.Now()
	if !r.loadedAt.IsZero() && now.Sub(r.loadedAt) < r.ttl {
		return nil
	}

	recs, err := r.store.ReadAll(ctx, store.NamespaceExclusion)
	if err != nil {
		if r.loadedAt.IsZero() && len(r.buckets) == 0 {
			return fmt.Errorf("load exclusion buckets: %w", err)
		}
		r.logger.Warn().Err(err).Msg("Failed to reload exclusion buckets, using cached copy")
		r.loadedAt = now
		return nil
	}

	loaded := make(map[int64]*bucket, len(recs))
	for _, rec := range recs {
		b, err := bucketFromRecord(rec)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", rec.Key).Msg("Skipping malformed exclusion bucket")
			continue
		}
		loaded[b.id] = b
	}
	for id, b := range r.buckets {
		if b.dirty {
			loaded[id] = b
		}
	}

	r.buckets = loaded
	r.loadedAt = now
	r.updateGaugesLocked()

	r.logger.Debug().Int("buckets", len(loaded)).Msg("Exclusion buckets loaded")
	return nil
}

func (r *Registry) flushAfterMutationLocked(ctx context.Context) {
	if err := r.flushLocked(ctx); err != nil {
		flushErrorsTotal.Inc()
		r.logger.Warn().Err(err).Msg("Exclusion flush failed, will retry on next mutation")
	}
	r.updateGaugesLocked()
}

func (r *Registry) flushLocked(ctx context.Context) error {
	ids := make([]int64, 0)
	for id, b := range r.buckets {
		if b.dirty {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var firstErr error
	for _, id := range ids {
		b := r.buckets[id]

		if b.total == 0 {
			if err := r.store.Delete(ctx, store.NamespaceExclusion, strconv.FormatInt(id, 10)); err != nil {
				firstErr = errors.Join(firstErr, fmt.Errorf("delete bucket %d: %w", id, err))
				continue
			}
			delete(r.buckets, id)
			continue
		}

		rec, err := b.record()
		if err != nil {
			firstErr = errors.Join(firstErr, err)
			continue
		}
		if err := r.store.Upsert(ctx, store.NamespaceExclusion, rec); err != nil {
			firstErr = errors.Join(firstErr, fmt.Errorf("upsert bucket %d: %w", id, err))
			continue
		}
		b.dirty = false
	}
	return firstErr
}

func (r *Registry) updateGaugesLocked() {
	totals := make(map[Reason]int, len(reasons))
	for _, b := range r.buckets {
		for reason, n := range b.counts {
			totals[reason] += n
		}
	}
	for _, reason := range reasons {
		excludedIDs.WithLabelValues(string(reason)).Set(float64(totals[reason]))
	}
}
