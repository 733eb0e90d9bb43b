// Package cache keeps upstream responses so repeated requests for the same
// document can be skipped while fresh and revalidated with If-None-Match or
// If-Modified-Since once stale.
//
// Freshness comes from the response's Expires header, falling back to a
// caller-supplied TTL. Stale entries are retained for a revalidation window
// so a 304 Not Modified can renew them without transferring the body again.
//
// Two stores are provided: MemoryStore for single-process runs and tests,
// and RedisStore so several processes share one cache.
//
//	st := cache.NewRedisStore(client, "ingest")
//	entry, err := st.Get(ctx, cache.Key("catalog", "/items"))
//	if errors.Is(err, cache.ErrMiss) {
//		// fetch unconditionally
//	}
package cache
