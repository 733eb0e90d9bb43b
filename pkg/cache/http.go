package cache

import (
	"net/http"
	"time"
)

// DefaultTTL is the freshness lifetime when a response has no usable Expires header.
const DefaultTTL = 5 * time.Minute

// FromResponse builds an entry from a successful response's headers and body.
func FromResponse(header http.Header, body []byte, now time.Time, defaultTTL time.Duration) *Entry {
	entry := &Entry{
		Body:     body,
		ETag:     header.Get("ETag"),
		Expires:  ParseExpires(header, now, defaultTTL),
		Headers:  header.Clone(),
		CachedAt: now,
	}
	if v := header.Get("Last-Modified"); v != "" {
		if lm, err := http.ParseTime(v); err == nil {
			entry.LastModified = lm
		}
	}
	return entry
}

// ParseExpires returns the Expires time from header, or now+defaultTTL when the
// header is missing or invalid. A past Expires yields now.
func ParseExpires(header http.Header, now time.Time, defaultTTL time.Duration) time.Time {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	v := header.Get("Expires")
	if v == "" {
		return now.Add(defaultTTL)
	}
	expires, err := http.ParseTime(v)
	if err != nil {
		return now.Add(defaultTTL)
	}
	if expires.Before(now) {
		return now
	}
	return expires
}

// Revalidated renews a stale entry after a 304. Validators present on the
// 304 replace the stored ones.
func Revalidated(entry *Entry, header http.Header, now time.Time, defaultTTL time.Duration) *Entry {
	renewed := *entry
	renewed.Expires = ParseExpires(header, now, defaultTTL)
	if etag := header.Get("ETag"); etag != "" {
		renewed.ETag = etag
	}
	return &renewed
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when the
// entry has no ETag.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if req == nil || !entry.Conditional() {
		return
	}
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
