// Package source fetches the id list and per-id detail documents from a
// JSON catalog upstream and classifies failures for the circuit breaker.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/breaker"
	"github.com/Sternrassler/catalog-ingest/pkg/cache"
	"github.com/Sternrassler/catalog-ingest/pkg/pagination"
)

var (
	// ErrNotFound is returned when the upstream does not know the id.
	ErrNotFound = errors.New("item not found upstream")

	// ErrNoDetail is returned when the upstream answers with an empty document.
	ErrNoDetail = errors.New("item has no usable detail")

	// ErrInvalidPayload is returned when the body is not valid JSON.
	ErrInvalidPayload = errors.New("invalid upstream payload")
)

// Endpoint labels used in metrics.
const (
	EndpointList   = "list"
	EndpointDetail = "detail"
)

// Config holds the upstream configuration.
type Config struct {
	// Name identifies the upstream in logs, pause keys and audit events.
	Name string `mapstructure:"name"`

	// BaseURL is the scheme and host, e.g. "https://api.example.com".
	BaseURL string `mapstructure:"base_url"`

	// ListPath serves the full id list as a JSON array of integers.
	ListPath string `mapstructure:"list_path"`

	// DetailPath serves one detail document; "{id}" is replaced by the id.
	DetailPath string `mapstructure:"detail_path"`

	// Timeout bounds one HTTP round trip.
	Timeout time.Duration `mapstructure:"timeout"`

	// UserAgent is sent with every request.
	UserAgent string `mapstructure:"user_agent"`

	// Headers are added to every request (for example API keys).
	Headers map[string]string `mapstructure:"headers"`

	// MaxBodyBytes caps how much of a response is read.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// PageParam enables a paginated id list: pages are requested with
	// ?<PageParam>=N and the page count is read from PagesHeader.
	PageParam string `mapstructure:"page_param"`

	// PagesHeader carries the total page count. Defaults to X-Pages.
	PagesHeader string `mapstructure:"pages_header"`

	// PageConcurrency bounds parallel page requests.
	PageConcurrency int `mapstructure:"page_concurrency"`

	// ListCache asks the owner to attach a response cache for the id list.
	ListCache bool `mapstructure:"list_cache"`

	// ListCacheTTL is the freshness lifetime of a cached id list response
	// without an Expires header.
	ListCacheTTL time.Duration `mapstructure:"list_cache_ttl"`
}

// DefaultConfig returns the default paths, a 30s timeout and a 10MiB body cap.
func DefaultConfig() Config {
	return Config{
		Name:         "catalog",
		ListPath:     "/items",
		DetailPath:   "/items/{id}",
		Timeout:      30 * time.Second,
		UserAgent:    "catalog-ingest/1.0",
		MaxBodyBytes: 10 << 20,
		PagesHeader:  "X-Pages",
	}
}

// Client is an upstream catalog client. It performs exactly one HTTP request
// per call; retries belong to the breaker.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
	cache      cache.Store
}

// New creates a client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if !strings.Contains(cfg.DetailPath, "{id}") {
		return nil, fmt.Errorf("detail_path must contain {id} (got %q)", cfg.DetailPath)
	}

	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ListPath == "" {
		cfg.ListPath = def.ListPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.PagesHeader == "" {
		cfg.PagesHeader = def.PagesHeader
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger.With().Str("source", cfg.Name).Logger(),
		now:        time.Now,
	}, nil
}

// Name returns the configured upstream name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetCache enables caching of id list responses. Fresh responses are reused
// without a request; stale ones are revalidated conditionally.
func (c *Client) SetCache(store cache.Store) {
	c.cache = store
}

// IDs fetches the full id list. With PageParam set, every page is fetched
// and the pages are concatenated in page order.
func (c *Client) IDs(ctx context.Context) ([]int64, error) {
	var pages [][]byte
	if c.cfg.PageParam == "" {
		body, _, err := c.getList(ctx, c.cfg.ListPath)
		if err != nil {
			return nil, err
		}
		pages = [][]byte{body}
	} else {
		fetcher := pagination.NewBatchFetcher(pagination.PageFetcherFunc(c.fetchPage), pagination.Config{
			MaxConcurrency: c.cfg.PageConcurrency,
			Timeout:        c.cfg.Timeout,
			MaxPages:       pagination.DefaultConfig().MaxPages,
		}, c.logger)

		var err error
		pages, err = fetcher.FetchAllPages(ctx)
		if err != nil {
			return nil, err
		}
	}

	var ids []int64
	for i, body := range pages {
		var page []int64
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, breaker.Permanent(fmt.Errorf("%w: decode id list page %d: %v", ErrInvalidPayload, i+1, err))
		}
		ids = append(ids, page...)
	}

	c.logger.Debug().Int("ids", len(ids)).Int("pages", len(pages)).Msg("Fetched id list")
	return ids, nil
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]byte, int, error) {
	sep := "?"
	if strings.Contains(c.cfg.ListPath, "?") {
		sep = "&"
	}
	path := c.cfg.ListPath + sep + url.QueryEscape(c.cfg.PageParam) + "=" + strconv.Itoa(page)

	body, header, err := c.getList(ctx, path)
	if err != nil {
		return nil, 0, err
	}

	total := 1
	if v := strings.TrimSpace(header.Get(c.cfg.PagesHeader)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, 0, breaker.Permanent(fmt.Errorf("%w: %s header %q", ErrInvalidPayload, c.cfg.PagesHeader, v))
		}
		total = n
	}
	return body, total, nil
}

// Fetch returns the raw JSON detail document for id.
//
// A 404 yields a client-class StatusError wrapping ErrNotFound. An empty or
// null document yields a permanent ErrNoDetail, invalid JSON a permanent
// ErrInvalidPayload. Other failures are StatusErrors classified by status.
func (c *Client) Fetch(ctx context.Context, id int64) ([]byte, error) {
	path := strings.ReplaceAll(c.cfg.DetailPath, "{id}", strconv.FormatInt(id, 10))

	body, _, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(body))
	switch trimmed {
	case "", "null", "{}", "[]":
		return nil, breaker.Permanent(fmt.Errorf("%w: id %d", ErrNoDetail, id))
	}
	if !json.Valid(body) {
		return nil, breaker.Permanent(fmt.Errorf("%w: id %d", ErrInvalidPayload, id))
	}
	return body, nil
}

// getList is get through the list cache, when one is set.
func (c *Client) getList(ctx context.Context, path string) ([]byte, http.Header, error) {
	if c.cache == nil {
		return c.get(ctx, path)
	}

	key := cache.Key(c.cfg.Name, path)
	entry, err := c.cache.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed")
	}
	if entry.Fresh(c.now()) {
		cache.Hits.WithLabelValues(c.cfg.Name).Inc()
		return entry.Body, entry.Headers, nil
	}

	body, header, status, err := c.do(ctx, path, entry)
	if err != nil {
		return nil, nil, err
	}

	now := c.now()
	if status == http.StatusNotModified && entry != nil {
		cache.NotModified.Inc()
		entry = cache.Revalidated(entry, header, now, c.cfg.ListCacheTTL)
		c.logger.Debug().Str("path", path).Time("expires", entry.Expires).Msg("List not modified")
	} else {
		entry = cache.FromResponse(header, body, now, c.cfg.ListCacheTTL)
	}

	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache store failed")
	}
	return entry.Body, entry.Headers, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, http.Header, error) {
	body, header, _, err := c.do(ctx, path, nil)
	return body, header, err
}

// do performs one GET. With a conditional entry, a 304 is returned as a
// success with an empty body.
func (c *Client) do(ctx context.Context, path string, cond *cache.Entry) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, nil, 0, breaker.Permanent(fmt.Errorf("create request: %w", err))
	}
	cache.AddConditionalHeaders(req, cond)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, 0, ctx.Err()
		}
		c.logger.Debug().Err(err).Str("path", path).Msg("HTTP request failed")
		return nil, nil, 0, &breaker.StatusError{
			Class:   breaker.ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cond != nil {
		return nil, resp.Header, resp.StatusCode, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))

	if resp.StatusCode >= 400 {
		return nil, nil, resp.StatusCode, c.statusError(resp, path)
	}
	if readErr != nil {
		return nil, nil, resp.StatusCode, &breaker.StatusError{
			StatusCode: resp.StatusCode,
			Class:      breaker.ErrorClassNetwork,
			Message:    "read body",
			Err:        readErr,
		}
	}
	return body, resp.Header, resp.StatusCode, nil
}

func (c *Client) statusError(resp *http.Response, path string) error {
	se := &breaker.StatusError{
		StatusCode: resp.StatusCode,
		Class:      breaker.ClassForStatus(resp.StatusCode),
		Message:    resp.Status,
	}

	switch se.Class {
	case breaker.ErrorClassRateLimit:
		se.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	case breaker.ErrorClassClient:
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			se.Err = ErrNotFound
		}
	}

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("error_class", string(se.Class)).
		Dur("retry_after", se.RetryAfter).
		Msg("Upstream error response")
	return se
}

// ParseRetryAfter parses a Retry-After header given either as delay-seconds
// or as an HTTP-date. It returns zero when the header is absent or invalid.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
