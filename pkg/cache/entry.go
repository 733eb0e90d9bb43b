package cache

import (
	"net/http"
	"time"
)

// Entry is one cached response body with its validators.
type Entry struct {
	// Body is the response body.
	Body []byte `json:"body"`

	// ETag is sent back as If-None-Match.
	ETag string `json:"etag,omitempty"`

	// LastModified is sent back as If-Modified-Since when there is no ETag.
	LastModified time.Time `json:"last_modified,omitempty"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// Headers are the response headers of the stored body.
	Headers http.Header `json:"headers,omitempty"`

	// CachedAt is when the body was stored.
	CachedAt time.Time `json:"cached_at"`
}

// Fresh reports whether the entry can be used without contacting the upstream.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.Expires)
}

// TTL returns the time until the entry becomes stale, or 0.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Conditional reports whether the entry carries a validator.
func (e *Entry) Conditional() bool {
	return e != nil && (e.ETag != "" || !e.LastModified.IsZero())
}
