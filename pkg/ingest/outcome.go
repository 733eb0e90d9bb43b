package ingest

import (
	"time"

	"github.com/Sternrassler/catalog-ingest/pkg/cursor"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
)

// Outcome is the result of one item in a batch.
type Outcome string

const (
	// OutcomeOK means the detail was fetched and stored.
	OutcomeOK Outcome = "ok"

	// OutcomeExcluded means the item is (now) in the exclusion set.
	OutcomeExcluded Outcome = "excluded"

	// OutcomeFailed means the fetch failed after retries; the item is retried
	// on the next full scan.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkippedCircuitOpen means the breaker rejected the call.
	OutcomeSkippedCircuitOpen Outcome = "skipped_circuit_open"

	// OutcomeSkippedStopped means the run stopped before the item ran.
	OutcomeSkippedStopped Outcome = "skipped_stopped"
)

// attempted reports whether an item counts toward cursor progress.
func (o Outcome) attempted() bool {
	return o != "" && o != OutcomeSkippedStopped
}

// ItemResult is the per-item result of a batch.
type ItemResult struct {
	ID      int64            `json:"id" yaml:"id"`
	Outcome Outcome          `json:"outcome" yaml:"outcome"`
	Reason  exclusion.Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Err     error            `json:"-" yaml:"-"`
}

// Report summarises one batch.
type Report struct {
	Batch     cursor.Batch     `json:"batch" yaml:"batch"`
	Counts    map[Outcome]int  `json:"counts" yaml:"counts"`
	Attempted int              `json:"attempted" yaml:"attempted"`
	Stopped   bool             `json:"stopped" yaml:"stopped"`
	Complete  bool             `json:"complete" yaml:"complete"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
	Metrics   metrics.Snapshot `json:"metrics" yaml:"metrics"`
	Results   []ItemResult     `json:"-" yaml:"-"`
}

// Summary aggregates the reports of RunUntilComplete.
type Summary struct {
	Batches   int             `json:"batches" yaml:"batches"`
	Counts    map[Outcome]int `json:"counts" yaml:"counts"`
	Attempted int             `json:"attempted" yaml:"attempted"`
	Complete  bool            `json:"complete" yaml:"complete"`
	Stopped   bool            `json:"stopped" yaml:"stopped"`
}

func (s *Summary) add(r Report) {
	if s.Counts == nil {
		s.Counts = make(map[Outcome]int)
	}
	if r.Attempted > 0 || !r.Complete {
		s.Batches++
	}
	for o, n := range r.Counts {
		s.Counts[o] += n
	}
	s.Attempted += r.Attempted
	s.Complete = r.Complete
	s.Stopped = s.Stopped || r.Stopped
}

// attemptedPrefix returns the length of the leading run of attempted items.
func attemptedPrefix(results []ItemResult) int {
	for i, r := range results {
		if !r.Outcome.attempted() {
			return i
		}
	}
	return len(results)
}
