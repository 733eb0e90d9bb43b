// Package cursor keeps a persisted position in a large, growing upstream list
// so that an incremental scan resumes deterministically after a restart.
//
// GetNextBatch returns the slice [processed, processed+size). The caller
// stores that slice's results durably and only then calls UpdateProgress
// with the number of items it attempted. A crash between the two calls
// replays the identical slice.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

// ErrInvalidCount is returned by UpdateProgress for negative counts.
var ErrInvalidCount = errors.New("invalid attempted count")

var (
	cursorProcessed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_cursor_processed",
		Help: "Items attempted so far by cursor",
	}, []string{"cursor"})

	cursorTarget = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_cursor_target",
		Help: "Current scan target by cursor",
	}, []string{"cursor"})
)

// DefaultName is the cursor name used when none is configured.
const DefaultName = "catalog"

// DefaultCacheTTL is how long the loaded progress is trusted before reloading.
const DefaultCacheTTL = time.Minute

// Progress is the persisted cursor state.
type Progress struct {
	TotalProcessed int       `json:"total_processed"`
	TotalTarget    int       `json:"total_target"`
	LastBatchSize  int       `json:"last_batch_size"`
	LastBatchAt    time.Time `json:"last_batch_at"`
}

// Batch is the next slice of work.
type Batch struct {
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Size       int      `json:"size"`
	IsComplete bool     `json:"is_complete"`
	Progress   Progress `json:"progress"`
}

// Stats is Progress plus derived values.
type Stats struct {
	Progress
	Remaining       int     `json:"remaining"`
	PercentComplete float64 `json:"percent_complete"`
	IsComplete      bool    `json:"is_complete"`
}

// Config holds cursor configuration.
type Config struct {
	// Name keys the progress record; one store can hold several cursors.
	Name string

	// CacheTTL bounds how long the in-memory copy is used without a reload.
	CacheTTL time.Duration
}

// Cursor is a persisted batch cursor. Safe for concurrent use, but a single
// writer per name is assumed across processes.
type Cursor struct {
	store  store.Store
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	progress Progress
	loadedAt time.Time
	dirty    bool
}

// New creates a cursor. Nothing is read until first use.
func New(st store.Store, cfg Config, clk clock.Clock, logger zerolog.Logger) *Cursor {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cursor{
		store:  st,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("cursor", cfg.Name).Logger(),
	}
}

// Name returns the cursor name.
func (c *Cursor) Name() string {
	return c.cfg.Name
}

// GetNextBatch refreshes the target from liveTotal and returns the next
// slice. override > 0 replaces the staged size and is clamped to the
// remaining count.
func (c *Cursor) GetNextBatch(ctx context.Context, liveTotal, override int) (Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return Batch{}, err
	}

	// The target never drops below what was already processed.
	target := max(liveTotal, c.progress.TotalProcessed)
	if target != c.progress.TotalTarget {
		c.progress.TotalTarget = target
		c.dirty = true
		c.flushAfterMutationLocked(ctx)
	}

	p := c.progress.TotalProcessed
	if p >= target {
		c.logger.Info().Int("processed", p).Int("target", target).Msg("Scan complete")
		return Batch{Start: p, End: p, IsComplete: true, Progress: c.progress}, nil
	}

	size := StagedSize(p)
	if override > 0 {
		size = override
	}
	size = min(size, target-p)

	c.logger.Debug().
		Int("processed", p).
		Int("target", target).
		Int("size", size).
		Msg("Next batch selected")

	return Batch{Start: p, End: p + size, Size: size, Progress: c.progress}, nil
}

// UpdateProgress advances the cursor by exactly attempted items. It must only
// be called once the batch's results are durably stored. Zero is a logged
// no-op.
func (c *Cursor) UpdateProgress(ctx context.Context, attempted int) error {
	if attempted < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, attempted)
	}
	if attempted == 0 {
		c.logger.Warn().Msg("UpdateProgress called with zero attempted items, cursor not advanced")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	next := c.progress.TotalProcessed + attempted
	if next > c.progress.TotalTarget {
		c.logger.Warn().
			Int("attempted", attempted).
			Int("target", c.progress.TotalTarget).
			Msg("Attempted count overshoots target, clamping")
		next = c.progress.TotalTarget
	}
	if next <= c.progress.TotalProcessed {
		// No target yet (fresh or reset cursor) or already at the target.
		return nil
	}
	attempted = next - c.progress.TotalProcessed

	c.progress.TotalProcessed = next
	c.progress.LastBatchSize = attempted
	c.progress.LastBatchAt = c.clock.Now().UTC()
	c.dirty = true

	c.logger.Info().
		Int("processed", next).
		Int("target", c.progress.TotalTarget).
		Int("attempted", attempted).
		Msg("Cursor advanced")

	c.flushAfterMutationLocked(ctx)
	return nil
}

// ResetProgress deletes the persisted cursor so the next scan starts at 0.
func (c *Cursor) ResetProgress(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(ctx, store.NamespaceCursor, c.cfg.Name); err != nil {
		return fmt.Errorf("delete cursor %s: %w", c.cfg.Name, err)
	}

	c.progress = Progress{}
	c.dirty = false
	c.loadedAt = c.clock.Now()
	c.updateGaugesLocked()

	c.logger.Info().Msg("Cursor reset")
	return nil
}

// ProgressStats returns the current progress with derived values.
func (c *Cursor) ProgressStats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return Stats{}, err
	}
	return statsFor(c.progress), nil
}

// Flush persists unsaved progress.
func (c *Cursor) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

// StagedSize returns the default batch size for a cursor at processed:
// fill to 50, then to 1,000, then to 5,000, then 5,000 per batch up to
// 30,000, then 10,000 per batch.
func StagedSize(processed int) int {
	switch {
	case processed < 50:
		return 50 - processed
	case processed < 1_000:
		return 1_000 - processed
	case processed < 5_000:
		return 5_000 - processed
	case processed < 30_000:
		return min(5_000, 30_000-processed)
	default:
		return 10_000
	}
}

func statsFor(p Progress) Stats {
	st := Stats{Progress: p}
	st.Remaining = max(p.TotalTarget-p.TotalProcessed, 0)
	st.IsComplete = p.TotalTarget > 0 && p.TotalProcessed >= p.TotalTarget
	if p.TotalTarget > 0 {
		st.PercentComplete = float64(p.TotalProcessed) / float64(p.TotalTarget) * 100
	}
	return st
}

func (c *Cursor) ensureLoadedLocked(ctx context.Context) error {
	now := c.clock.Now()
	if !c.loadedAt.IsZero() && now.Sub(c.loadedAt) < c.cfg.CacheTTL {
		return nil
	}
	// Unsaved progress is newer than anything in the store.
	if c.dirty {
		return nil
	}

	rec, err := c.store.Read(ctx, store.NamespaceCursor, c.cfg.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.progress = Progress{}
	case err != nil:
		if c.loadedAt.IsZero() {
			return fmt.Errorf("load cursor %s: %w", c.cfg.Name, err)
		}
		c.logger.Warn().Err(err).Msg("Failed to reload cursor, using cached copy")
	default:
		var p Progress
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("decode cursor %s: %w", c.cfg.Name, err)
		}
		c.progress = p
	}

	c.loadedAt = now
	c.updateGaugesLocked()
	return nil
}

func (c *Cursor) flushAfterMutationLocked(ctx context.Context) {
	if err := c.flushLocked(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Cursor flush failed, will retry on next mutation")
	}
	c.updateGaugesLocked()
}

func (c *Cursor) flushLocked(ctx context.Context) error {
	if !c.dirty {
		return nil
	}

	data, err := json.Marshal(c.progress)
	if err != nil {
		return fmt.Errorf("marshal cursor %s: %w", c.cfg.Name, err)
	}
	if err := c.store.Upsert(ctx, store.NamespaceCursor, store.Record{Key: c.cfg.Name, Payload: data}); err != nil {
		return fmt.Errorf("upsert cursor %s: %w", c.cfg.Name, err)
	}
	c.dirty = false
	return nil
}

func (c *Cursor) updateGaugesLocked() {
	cursorProcessed.WithLabelValues(c.cfg.Name).Set(float64(c.progress.TotalProcessed))
	cursorTarget.WithLabelValues(c.cfg.Name).Set(float64(c.progress.TotalTarget))
}
