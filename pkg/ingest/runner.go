// Package ingest runs batches of upstream fetches through the resilience
// core: cursor → pool → pause → limiter → breaker(fetch) → metrics, marking
// permanently bad ids as excluded and advancing the cursor only after the
// batch's results are stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/breaker"
	"github.com/Sternrassler/catalog-ingest/pkg/clock"
	"github.com/Sternrassler/catalog-ingest/pkg/cursor"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
	"github.com/Sternrassler/catalog-ingest/pkg/pause"
	"github.com/Sternrassler/catalog-ingest/pkg/pool"
	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/Sternrassler/catalog-ingest/pkg/source"
)

// Source is the upstream the runner reads from.
type Source interface {
	Name() string
	IDs(ctx context.Context) ([]int64, error)
	Fetch(ctx context.Context, id int64) ([]byte, error)
}

// Config holds runner configuration.
type Config struct {
	// Concurrency is the number of pool lanes.
	Concurrency int

	// BatchOverride replaces the cursor's staged batch size when > 0.
	BatchOverride int

	// PauseOn429 is the pause applied when a 429 carries no Retry-After.
	PauseOn429 time.Duration

	// StrikeThreshold is the number of 429 strikes that stops the run.
	StrikeThreshold int

	// BackoffFactor and BackoffDuration slow a throttling limiter on 429.
	BackoffFactor   float64
	BackoffDuration time.Duration

	// MaxBatches bounds RunUntilComplete. Zero means no bound.
	MaxBatches int
}

// DefaultConfig returns 8 lanes, a 60s default pause, threshold 3 and a
// halved limiter rate for 2 minutes after each 429.
func DefaultConfig() Config {
	return Config{
		Concurrency:     8,
		PauseOn429:      60 * time.Second,
		StrikeThreshold: 3,
		BackoffFactor:   0.5,
		BackoffDuration: 2 * time.Minute,
	}
}

// Deps are the components a runner drives. All are required except Clock.
type Deps struct {
	Source     Source
	Limiter    ratelimit.Limiter
	Breaker    *breaker.Breaker
	Pause      *pause.Monitor
	Metrics    *metrics.Window
	Exclusions *exclusion.Registry
	Cursor     *cursor.Cursor
	Sink       Sink
	Clock      clock.Clock
}

func (d Deps) validate() error {
	switch {
	case d.Source == nil:
		return errors.New("source is required")
	case d.Limiter == nil:
		return errors.New("limiter is required")
	case d.Breaker == nil:
		return errors.New("breaker is required")
	case d.Pause == nil:
		return errors.New("pause monitor is required")
	case d.Metrics == nil:
		return errors.New("metrics window is required")
	case d.Exclusions == nil:
		return errors.New("exclusion registry is required")
	case d.Cursor == nil:
		return errors.New("cursor is required")
	case d.Sink == nil:
		return errors.New("sink is required")
	}
	return nil
}

// Runner executes ingest batches. One run at a time is assumed.
type Runner struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New creates a runner.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PauseOn429 <= 0 {
		cfg.PauseOn429 = def.PauseOn429
	}
	if cfg.StrikeThreshold <= 0 {
		cfg.StrikeThreshold = def.StrikeThreshold
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.BackoffDuration <= 0 {
		cfg.BackoffDuration = def.BackoffDuration
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("source", deps.Source.Name()).Logger(),
	}, nil
}

// run carries per-batch stop state shared by the lanes.
type run struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	stopErr error
}

func (r *run) stop(err error) {
	r.mu.Lock()
	if r.stopErr == nil {
		r.stopErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopErr
}

// RunBatch processes the next cursor batch. It returns pause.ErrRateLimitExceeded
// (wrapped) when repeated 429s stopped the run; the cursor still advances by
// the items attempted before the stop.
func (r *Runner) RunBatch(ctx context.Context) (Report, error) {
	start := r.deps.Clock.Now()

	ids, err := r.listIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch id list: %w", err)
	}

	batch, err := r.deps.Cursor.GetNextBatch(ctx, len(ids), r.cfg.BatchOverride)
	if err != nil {
		return Report{}, fmt.Errorf("select batch: %w", err)
	}
	if batch.IsComplete {
		return Report{Batch: batch, Complete: true, Counts: map[Outcome]int{}, Metrics: r.deps.Metrics.Snapshot()}, nil
	}

	// The list may have shrunk below the persisted target.
	end := min(batch.End, len(ids))
	slice := ids[min(batch.Start, end):end]

	r.logger.Info().
		Int("start", batch.Start).
		Int("end", batch.End).
		Int("size", len(slice)).
		Msg("Starting batch")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	state := &run{cancel: cancel}

	results, _ := pool.Execute(runCtx, pool.Config{
		Concurrency:   r.cfg.Concurrency,
		ProgressEvery: 500,
		Logger:        r.logger,
	}, slice, func(ctx context.Context, id int64, _ int) ItemResult {
		return r.processItem(ctx, state, id)
	})

	for i := range results {
		if results[i].Outcome == "" {
			results[i] = ItemResult{ID: slice[i], Outcome: OutcomeSkippedStopped}
		}
	}

	report := Report{
		Batch:   batch,
		Counts:  make(map[Outcome]int),
		Results: results,
	}
	for _, res := range results {
		report.Counts[res.Outcome]++
	}
	report.Attempted = attemptedPrefix(results)

	if err := r.deps.Exclusions.Flush(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Exclusion flush failed at batch end")
	}

	// Results are stored per item before this point.
	if report.Attempted > 0 {
		if err := r.deps.Cursor.UpdateProgress(ctx, report.Attempted); err != nil {
			return report, fmt.Errorf("update progress: %w", err)
		}
	}

	report.Duration = r.deps.Clock.Now().Sub(start)
	report.Metrics = r.deps.Metrics.Snapshot()

	stopErr := state.err()
	if stopErr == nil && ctx.Err() != nil {
		stopErr = ctx.Err()
	}
	report.Stopped = stopErr != nil

	logEvent := r.logger.Info()
	if report.Stopped {
		logEvent = r.logger.Warn().Err(stopErr)
	}
	logEvent.
		Int("attempted", report.Attempted).
		Int("ok", report.Counts[OutcomeOK]).
		Int("excluded", report.Counts[OutcomeExcluded]).
		Int("failed", report.Counts[OutcomeFailed]).
		Int("skipped_circuit_open", report.Counts[OutcomeSkippedCircuitOpen]).
		Int("skipped_stopped", report.Counts[OutcomeSkippedStopped]).
		Dur("duration", report.Duration).
		Msg("Batch finished")

	return report, stopErr
}

// RunUntilComplete runs batches until the scan completes, the run stops, or
// MaxBatches is reached. Persistence errors are surfaced at the end.
func (r *Runner) RunUntilComplete(ctx context.Context) (Summary, error) {
	var sum Summary

	for {
		report, err := r.RunBatch(ctx)
		sum.add(report)

		if err != nil {
			return sum, errors.Join(err, r.flush(ctx))
		}
		if report.Complete {
			break
		}
		if report.Attempted == 0 {
			// Nothing moved; looping would spin on the same slice.
			r.logger.Warn().Msg("Batch made no progress, stopping")
			sum.Stopped = true
			break
		}
		if r.cfg.MaxBatches > 0 && sum.Batches >= r.cfg.MaxBatches {
			break
		}
	}

	return sum, r.flush(ctx)
}

func (r *Runner) flush(ctx context.Context) error {
	// Use a fresh context so a cancelled run can still persist its state.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	return errors.Join(
		r.deps.Exclusions.Flush(flushCtx),
		r.deps.Cursor.Flush(flushCtx),
	)
}

func (r *Runner) listIDs(ctx context.Context) ([]int64, error) {
	key := r.deps.Source.Name()

	if err := r.deps.Pause.WaitIfPaused(ctx, key); err != nil {
		return nil, err
	}
	if err := r.deps.Limiter.Take(ctx); err != nil {
		return nil, err
	}

	return breaker.Call(ctx, r.deps.Breaker, func(ctx context.Context) ([]int64, error) {
		t0 := r.deps.Clock.Now()
		ids, err := r.deps.Source.IDs(ctx)
		r.observe(source.EndpointList, t0, 0, err)
		if err != nil {
			return nil, r.on429(err)
		}
		return ids, nil
	})
}

func (r *Runner) processItem(ctx context.Context, state *run, id int64) ItemResult {
	res := ItemResult{ID: id}

	if ctx.Err() != nil {
		res.Outcome = OutcomeSkippedStopped
		return res
	}

	excluded, err := r.deps.Exclusions.Has(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Int64("item_id", id).Msg("Exclusion lookup failed")
	} else if excluded {
		res.Outcome = OutcomeExcluded
		return res
	}

	key := r.deps.Source.Name()
	if err := r.deps.Pause.WaitIfPaused(ctx, key); err != nil {
		res.Outcome, res.Err = OutcomeSkippedStopped, err
		return res
	}
	if err := r.deps.Limiter.Take(ctx); err != nil {
		res.Outcome, res.Err = OutcomeSkippedStopped, err
		return res
	}

	body, err := breaker.Call(ctx, r.deps.Breaker, func(ctx context.Context) ([]byte, error) {
		t0 := r.deps.Clock.Now()
		body, err := r.deps.Source.Fetch(ctx, id)
		r.observe(source.EndpointDetail, t0, len(body), err)
		if err != nil {
			return nil, r.on429(err)
		}
		return body, nil
	})

	if err == nil {
		r.deps.Pause.ReportSuccess(key)
		if err := r.deps.Sink.Put(ctx, id, body); err != nil {
			// Not stored, so not attempted: stop before the cursor can pass it.
			state.stop(err)
			res.Outcome, res.Err = OutcomeSkippedStopped, err
			return res
		}
		res.Outcome = OutcomeOK
		return res
	}

	res.Err = err
	switch {
	case errors.Is(err, pause.ErrRateLimitExceeded):
		state.stop(err)
		res.Outcome = OutcomeSkippedStopped
	case errors.Is(err, breaker.ErrCircuitOpen):
		res.Outcome = OutcomeSkippedCircuitOpen
	case errors.Is(err, breaker.ErrContextCancelled), ctx.Err() != nil:
		res.Outcome = OutcomeSkippedStopped
	case errors.Is(err, source.ErrNotFound):
		res.Outcome, res.Reason = OutcomeExcluded, exclusion.ReasonNotCatalogItem
	case errors.Is(err, source.ErrNoDetail):
		res.Outcome, res.Reason = OutcomeExcluded, exclusion.ReasonNoUsableDetail
	case breaker.Classify(err) == breaker.ErrorClassPermanent:
		res.Outcome, res.Reason = OutcomeExcluded, exclusion.ReasonPermanentFailure
	default:
		res.Outcome = OutcomeFailed
		r.logger.Debug().Err(err).Int64("item_id", id).Msg("Item failed")
	}

	if res.Reason != "" {
		if err := r.deps.Exclusions.Mark(ctx, id, res.Reason); err != nil {
			r.logger.Warn().Err(err).Int64("item_id", id).Msg("Failed to mark exclusion")
		}
	}
	return res
}

// on429 escalates a 429 through the pause monitor and slows the limiter. Once
// the strike threshold is reached the returned error stops the retry loop.
func (r *Runner) on429(err error) error {
	var se *breaker.StatusError
	if !errors.As(err, &se) || se.Class != breaker.ErrorClassRateLimit {
		return err
	}

	pauseFor := se.RetryAfter
	if pauseFor <= 0 {
		pauseFor = r.cfg.PauseOn429
	}

	if th, ok := r.deps.Limiter.(ratelimit.Throttler); ok {
		th.Backoff(r.cfg.BackoffFactor, r.cfg.BackoffDuration)
	}

	if r.deps.Pause.Report429(r.deps.Source.Name(), pauseFor, r.cfg.StrikeThreshold) {
		return breaker.Permanent(fmt.Errorf("%w: %w", pause.ErrRateLimitExceeded, err))
	}
	return err
}

func (r *Runner) observe(endpoint string, t0 time.Time, size int, err error) {
	d := r.deps.Clock.Now().Sub(t0)
	if err == nil {
		r.deps.Metrics.RecordSuccess(endpoint, 200, d, size)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	status := 0
	var se *breaker.StatusError
	switch {
	case errors.As(err, &se):
		status = se.StatusCode
	case breaker.Classify(err) == breaker.ErrorClassPermanent:
		// The upstream answered 200 with an unusable body.
		status = 200
	}
	r.deps.Metrics.RecordError(endpoint, status, d)
}
