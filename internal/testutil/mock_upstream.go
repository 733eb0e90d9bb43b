// Package testutil provides an httptest upstream for ingest tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines one scripted response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable catalog upstream. Each path serves its
// scripted responses in order; the last one repeats once the script runs out.
type MockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockResponse
	handlers map[string]http.HandlerFunc
	counts   map[string]int

	// LastRequestHeader is the header of the most recent request.
	LastRequestHeader http.Header
}

// NewMockUpstream starts a mock upstream. Unscripted paths return 404.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{
		scripts:  make(map[string][]MockResponse),
		handlers: make(map[string]http.HandlerFunc),
		counts:   make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.counts[r.URL.Path]++
		m.LastRequestHeader = r.Header.Clone()
		handler, hasHandler := m.handlers[r.URL.Path]
		resp, hasScript := m.nextLocked(r.URL.Path)
		m.mu.Unlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasScript:
			writeResponse(w, resp)
		default:
			writeResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":"not found"}`})
		}
	}))

	return m
}

func (m *MockUpstream) nextLocked(path string) (MockResponse, bool) {
	script := m.scripts[path]
	if len(script) == 0 {
		return MockResponse{}, false
	}
	resp := script[0]
	if len(script) > 1 {
		m.scripts[path] = script[1:]
	}
	return resp, true
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// SetHandler installs a custom handler for path, overriding any script.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Script replaces the responses served for path.
func (m *MockUpstream) Script(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append([]MockResponse(nil), responses...)
}

// SetIDs serves ids as the JSON list at path.
func (m *MockUpstream) SetIDs(path string, ids []int64) {
	body, _ := json.Marshal(ids)
	m.Script(path, NewOK(string(body)))
}

// SetItem serves body for the detail document of id using pattern, e.g.
// "/items/%d".
func (m *MockUpstream) SetItem(pattern string, id int64, responses ...MockResponse) {
	m.Script(fmt.Sprintf(pattern, id), responses...)
}

// RequestCount returns how many requests hit path.
func (m *MockUpstream) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// TotalRequests returns the number of requests across all paths.
func (m *MockUpstream) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.counts {
		total += n
	}
	return total
}

// Header returns the header of the most recent request.
func (m *MockUpstream) Header() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequestHeader
}

// NewOK creates a 200 response.
func NewOK(body string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body}
}

// NewRateLimited creates a 429 response with a Retry-After in seconds.
func NewRateLimited(retryAfter time.Duration) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"rate limit exceeded"}`,
		Headers:    map[string]string{},
	}
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(int(retryAfter / time.Second))
	}
	return resp
}

// NewServerError creates a response with the given 5xx status.
func NewServerError(status int) MockResponse {
	return MockResponse{StatusCode: status, Body: `{"error":"upstream failure"}`}
}

// NewNotFound creates a 404 response.
func NewNotFound() MockResponse {
	return MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":"not found"}`}
}
