package source

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/internal/testutil"
	"github.com/Sternrassler/catalog-ingest/pkg/breaker"
	"github.com/Sternrassler/catalog-ingest/pkg/cache"
	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

func newTestClient(t *testing.T, mock *testutil.MockUpstream) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Headers = map[string]string{"X-Api-Key": "secret"}

	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{"valid config", Config{BaseURL: "http://x", DetailPath: "/g/{id}"}, false},
		{"missing base url", Config{DetailPath: "/g/{id}"}, true},
		{"detail path without placeholder", Config{BaseURL: "http://x", DetailPath: "/g"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, zerolog.Nop())
			if (err != nil) != tt.expectError {
				t.Errorf("New() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestIDs(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetIDs("/items", []int64{3, 1, 2})

	ids, err := newTestClient(t, mock).IDs(context.Background())
	if err != nil {
		t.Fatalf("IDs() error = %v", err)
	}
	if len(ids) != 3 || ids[0] != 3 {
		t.Errorf("IDs() = %v, want [3 1 2]", ids)
	}

	h := mock.Header()
	if h.Get("User-Agent") != "catalog-ingest/1.0" {
		t.Errorf("User-Agent = %q", h.Get("User-Agent"))
	}
	if h.Get("X-Api-Key") != "secret" {
		t.Errorf("X-Api-Key = %q, want configured header", h.Get("X-Api-Key"))
	}
}

func TestIDs_InvalidBody(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.Script("/items", testutil.NewOK(`{"not":"a list"}`))

	_, err := newTestClient(t, mock).IDs(context.Background())
	if !errors.Is(err, ErrInvalidPayload) || breaker.Classify(err) != breaker.ErrorClassPermanent {
		t.Errorf("IDs() error = %v, want permanent ErrInvalidPayload", err)
	}
}

func TestIDs_Paginated(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	pages := map[string]string{"1": "[1,2]", "2": "[3,4]", "3": "[5]"}
	mock.SetHandler("/items", func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Query().Get("page")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Pages", strconv.Itoa(len(pages)))
		_, _ = w.Write([]byte(body))
	})

	c := newTestClient(t, mock)
	c.cfg.PageParam = "page"

	ids, err := c.IDs(context.Background())
	if err != nil {
		t.Fatalf("IDs() error = %v", err)
	}
	want := []int64{1, 2, 3, 4, 5}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
	if got := mock.RequestCount("/items"); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestIDs_ListCache(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	var (
		mu          sync.Mutex
		conditional []string
	)
	mock.SetHandler("/items", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conditional = append(conditional, r.Header.Get("If-None-Match"))
		mu.Unlock()
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("[7,8,9]"))
	})

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClient(t, mock)
	c.cfg.ListCacheTTL = time.Minute
	c.now = clk.Now
	c.SetCache(cache.NewMemoryStore(clk))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ids, err := c.IDs(ctx)
		if err != nil {
			t.Fatalf("IDs() #%d error = %v", i, err)
		}
		if len(ids) != 3 {
			t.Fatalf("IDs() #%d = %v, want 3 ids", i, ids)
		}
	}
	if got := mock.RequestCount("/items"); got != 1 {
		t.Fatalf("requests while fresh = %d, want 1", got)
	}

	clk.Advance(2 * time.Minute)
	ids, err := c.IDs(ctx)
	if err != nil {
		t.Fatalf("IDs() after expiry error = %v", err)
	}
	if len(ids) != 3 || ids[0] != 7 {
		t.Errorf("IDs() after 304 = %v, want cached list", ids)
	}
	if got := mock.RequestCount("/items"); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	mu.Lock()
	if len(conditional) != 2 || conditional[0] != "" || conditional[1] != `"v1"` {
		t.Errorf("If-None-Match sequence = %q", conditional)
	}
	mu.Unlock()

	// The 304 renewed freshness.
	if _, err := c.IDs(ctx); err != nil {
		t.Fatalf("IDs() error = %v", err)
	}
	if got := mock.RequestCount("/items"); got != 2 {
		t.Errorf("requests after renewal = %d, want 2", got)
	}
}

func TestIDs_PaginatedPageFailure(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	mock.SetHandler("/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "3")
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("[1]"))
	})

	c := newTestClient(t, mock)
	c.cfg.PageParam = "page"

	_, err := c.IDs(context.Background())
	var se *breaker.StatusError
	if !errors.As(err, &se) || se.Class != breaker.ErrorClassServer {
		t.Fatalf("IDs() error = %v, want server-class StatusError", err)
	}
}

func TestFetch_Classification(t *testing.T) {
	tests := []struct {
		name       string
		response   testutil.MockResponse
		wantErr    error
		wantClass  breaker.ErrorClass
		wantStatus int
		wantRetry  time.Duration
	}{
		{
			name:     "ok",
			response: testutil.NewOK(`{"id":7,"name":"Doom"}`),
		},
		{
			name:       "not found",
			response:   testutil.NewNotFound(),
			wantErr:    ErrNotFound,
			wantClass:  breaker.ErrorClassClient,
			wantStatus: 404,
		},
		{
			name:      "null body",
			response:  testutil.NewOK("null"),
			wantErr:   ErrNoDetail,
			wantClass: breaker.ErrorClassPermanent,
		},
		{
			name:      "empty body",
			response:  testutil.NewOK(""),
			wantErr:   ErrNoDetail,
			wantClass: breaker.ErrorClassPermanent,
		},
		{
			name:      "invalid json",
			response:  testutil.NewOK("<html>"),
			wantErr:   ErrInvalidPayload,
			wantClass: breaker.ErrorClassPermanent,
		},
		{
			name:       "rate limited",
			response:   testutil.NewRateLimited(12 * time.Second),
			wantClass:  breaker.ErrorClassRateLimit,
			wantStatus: 429,
			wantRetry:  12 * time.Second,
		},
		{
			name:       "server error",
			response:   testutil.NewServerError(http.StatusBadGateway),
			wantClass:  breaker.ErrorClassServer,
			wantStatus: 502,
		},
		{
			name:       "forbidden",
			response:   testutil.MockResponse{StatusCode: http.StatusForbidden},
			wantClass:  breaker.ErrorClassClient,
			wantStatus: 403,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetItem("/items/%d", 7, tt.response)

			body, err := newTestClient(t, mock).Fetch(context.Background(), 7)

			if tt.wantClass == "" {
				if err != nil {
					t.Fatalf("Fetch() error = %v", err)
				}
				if string(body) != tt.response.Body {
					t.Errorf("Fetch() = %s, want %s", body, tt.response.Body)
				}
				return
			}

			if got := breaker.Classify(err); got != tt.wantClass {
				t.Errorf("Classify() = %q, want %q (err %v)", got, tt.wantClass, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			}

			var se *breaker.StatusError
			if tt.wantStatus != 0 {
				if !errors.As(err, &se) {
					t.Fatalf("Fetch() error = %v, want *StatusError", err)
				}
				if se.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.wantStatus)
				}
				if se.RetryAfter != tt.wantRetry {
					t.Errorf("RetryAfter = %v, want %v", se.RetryAfter, tt.wantRetry)
				}
			}
		})
	}
}

func TestFetch_NetworkError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	c := newTestClient(t, mock)
	mock.Close()

	_, err := c.Fetch(context.Background(), 1)
	if got := breaker.Classify(err); got != breaker.ErrorClassNetwork {
		t.Errorf("Classify() = %q, want network (err %v)", got, err)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetItem("/items/%d", 1, testutil.MockResponse{StatusCode: 200, Body: `{}`, Delay: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, mock).Fetch(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"negative", "-5", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"date in the past", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value, now); got != tt.expected {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestFetch_ThroughBreaker(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetItem("/items/%d", 9,
		testutil.NewServerError(http.StatusServiceUnavailable),
		testutil.NewServerError(http.StatusBadGateway),
		testutil.NewOK(`{"id":9}`),
	)

	c := newTestClient(t, mock)
	cfg := breaker.DefaultConfig("test")
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	b := breaker.New(cfg, nil, nil, zerolog.Nop())

	body, err := breaker.Call(context.Background(), b, func(ctx context.Context) ([]byte, error) {
		return c.Fetch(ctx, 9)
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(body) != `{"id":9}` {
		t.Errorf("body = %s", body)
	}
	if got := mock.RequestCount("/items/9"); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}
