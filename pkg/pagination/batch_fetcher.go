package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/pool"
)

// ErrTooManyPages is returned when the upstream announces more pages than
// Config.MaxPages allows.
var ErrTooManyPages = errors.New("too many pages")

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	MaxConcurrency int

	// Timeout bounds each page fetch.
	Timeout time.Duration

	// MaxPages guards against a bogus page count. Zero means no limit.
	MaxPages int
}

// DefaultConfig returns 4 lanes, a 15s per-page timeout and at most 1000 pages.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		MaxPages:       1000,
	}
}

// PageFetcher fetches one 1-based page and reports the total page count.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) (data []byte, totalPages int, err error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, page int) ([]byte, int, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, page int) ([]byte, int, error) {
	return f(ctx, page)
}

// BatchFetcher fetches all pages of one endpoint.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a batch fetcher.
func NewBatchFetcher(fetcher PageFetcher, config Config, logger zerolog.Logger) *BatchFetcher {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

type pageResult struct {
	data []byte
	err  error
}

// FetchAllPages returns the body of every page in page order.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context) ([][]byte, error) {
	start := time.Now()

	first, totalPages, err := bf.fetchOne(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch page 1: %w", err)
	}
	if totalPages <= 1 {
		return [][]byte{first}, nil
	}
	if bf.config.MaxPages > 0 && totalPages > bf.config.MaxPages {
		return nil, fmt.Errorf("%w: upstream reports %d, limit %d", ErrTooManyPages, totalPages, bf.config.MaxPages)
	}

	bf.logger.Debug().
		Int("total_pages", totalPages).
		Int("concurrency", bf.config.MaxConcurrency).
		Msg("Starting parallel page fetch")

	rest := make([]int, 0, totalPages-1)
	for page := 2; page <= totalPages; page++ {
		rest = append(rest, page)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, runErr := pool.Run(ctx, rest, bf.config.MaxConcurrency, func(ctx context.Context, page int, _ int) pageResult {
		data, _, err := bf.fetchOne(ctx, page)
		if err != nil {
			// One missing page invalidates the list; stop the others.
			cancel()
			return pageResult{err: fmt.Errorf("fetch page %d: %w", page, err)}
		}
		return pageResult{data: data}
	})

	if err := firstCause(results); err != nil {
		return nil, err
	}

	pages := make([][]byte, 0, totalPages)
	pages = append(pages, first)
	for _, r := range results {
		if r.data == nil {
			break
		}
		pages = append(pages, r.data)
	}
	if runErr != nil || len(pages) != totalPages {
		return nil, fmt.Errorf("page fetch interrupted after %d/%d pages: %w", len(pages), totalPages, errors.Join(runErr, ctx.Err()))
	}

	bf.logger.Debug().
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Page fetch complete")
	return pages, nil
}

func (bf *BatchFetcher) fetchOne(ctx context.Context, page int) ([]byte, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPage(pageCtx, page)
}

// firstCause prefers the page error that triggered the cancellation over the
// context errors of the pages it interrupted.
func firstCause(results []pageResult) error {
	var cancelled error
	for _, r := range results {
		switch {
		case r.err == nil:
		case errors.Is(r.err, context.Canceled):
			if cancelled == nil {
				cancelled = r.err
			}
		default:
			return r.err
		}
	}
	return cancelled
}
