package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockFetcher serves totalPages pages; failPage, when set, always fails.
type mockFetcher struct {
	totalPages int
	failPage   int
	calls      atomic.Int32
}

func (m *mockFetcher) FetchPage(ctx context.Context, page int) ([]byte, int, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if page == m.failPage {
		return nil, 0, fmt.Errorf("page %d unavailable", page)
	}
	return []byte(fmt.Sprintf("[%d]", page)), m.totalPages, nil
}

func TestFetchAllPages_SinglePage(t *testing.T) {
	m := &mockFetcher{totalPages: 1}
	bf := NewBatchFetcher(m, DefaultConfig(), zerolog.Nop())

	pages, err := bf.FetchAllPages(context.Background())
	if err != nil {
		t.Fatalf("FetchAllPages() error = %v", err)
	}
	if len(pages) != 1 || string(pages[0]) != "[1]" {
		t.Errorf("pages = %q, want [[1]]", pages)
	}
	if m.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", m.calls.Load())
	}
}

func TestFetchAllPages_Ordered(t *testing.T) {
	m := &mockFetcher{totalPages: 25}
	bf := NewBatchFetcher(m, Config{MaxConcurrency: 5}, zerolog.Nop())

	pages, err := bf.FetchAllPages(context.Background())
	if err != nil {
		t.Fatalf("FetchAllPages() error = %v", err)
	}
	if len(pages) != 25 {
		t.Fatalf("len(pages) = %d, want 25", len(pages))
	}
	for i, p := range pages {
		if want := fmt.Sprintf("[%d]", i+1); string(p) != want {
			t.Errorf("pages[%d] = %s, want %s", i, p, want)
		}
	}
}

func TestFetchAllPages_PageFailureFailsList(t *testing.T) {
	m := &mockFetcher{totalPages: 10, failPage: 4}
	bf := NewBatchFetcher(m, Config{MaxConcurrency: 1}, zerolog.Nop())

	pages, err := bf.FetchAllPages(context.Background())
	if err == nil {
		t.Fatal("expected error for missing page")
	}
	if pages != nil {
		t.Errorf("pages = %v, want nil", pages)
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("error should name the failing page, got %v", err)
	}
	if got := m.calls.Load(); got > 5 {
		t.Errorf("calls = %d, remaining pages should not be fetched after the failure", got)
	}
}

func TestFetchAllPages_FirstPageFailure(t *testing.T) {
	m := &mockFetcher{totalPages: 3, failPage: 1}
	bf := NewBatchFetcher(m, DefaultConfig(), zerolog.Nop())

	if _, err := bf.FetchAllPages(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetchAllPages_TooManyPages(t *testing.T) {
	m := &mockFetcher{totalPages: 50}
	bf := NewBatchFetcher(m, Config{MaxPages: 10}, zerolog.Nop())

	_, err := bf.FetchAllPages(context.Background())
	if !errors.Is(err, ErrTooManyPages) {
		t.Fatalf("error = %v, want ErrTooManyPages", err)
	}
}

func TestFetchAllPages_Timeout(t *testing.T) {
	slow := PageFetcherFunc(func(ctx context.Context, page int) ([]byte, int, error) {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})
	bf := NewBatchFetcher(slow, Config{Timeout: 10 * time.Millisecond}, zerolog.Nop())

	_, err := bf.FetchAllPages(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}
