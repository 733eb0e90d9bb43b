package app

import (
	"context"
	"fmt"

	"github.com/Sternrassler/catalog-ingest/pkg/breaker"
	"github.com/Sternrassler/catalog-ingest/pkg/cursor"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
	"github.com/Sternrassler/catalog-ingest/pkg/pause"
)

// Status is the operator view of one ingest process.
type Status struct {
	Source     string            `json:"source" yaml:"source"`
	Store      string            `json:"store" yaml:"store"`
	Cursor     cursor.Stats      `json:"cursor" yaml:"cursor"`
	Breaker    breaker.Snapshot  `json:"breaker" yaml:"breaker"`
	Pauses     []pause.State     `json:"pauses" yaml:"pauses"`
	Metrics    metrics.Snapshot  `json:"metrics" yaml:"metrics"`
	Exclusions exclusion.Summary `json:"exclusions" yaml:"exclusions"`
}

// Status collects the current status.
func (a *App) Status(ctx context.Context) (Status, error) {
	stats, err := a.Cursor.ProgressStats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("cursor stats: %w", err)
	}
	summary, err := a.Exclusions.Summary(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("exclusion summary: %w", err)
	}

	return Status{
		Source:     a.Config.Source.Name,
		Store:      a.Backend.Driver,
		Cursor:     stats,
		Breaker:    a.Breaker.Snapshot(),
		Pauses:     a.Pause.All(),
		Metrics:    a.Metrics.Snapshot(),
		Exclusions: summary,
	}, nil
}

// BucketStatus delegates to the exclusion registry.
func (a *App) BucketStatus(ctx context.Context, bucketID int64, sampleLimit int) (exclusion.BucketStatus, error) {
	return a.Exclusions.BucketStatus(ctx, bucketID, sampleLimit)
}

// StatusForID delegates to the exclusion registry.
func (a *App) StatusForID(ctx context.Context, id int64, sampleLimit int) (exclusion.IDStatus, error) {
	return a.Exclusions.StatusForID(ctx, id, sampleLimit)
}
