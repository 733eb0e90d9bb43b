// Package pagination fetches every page of a paginated list endpoint in
// parallel.
//
// The first page is fetched alone to learn the total page count (for example
// from an X-Pages header); the remaining pages are spread across a lane pool.
// Pages are returned in page order.
//
// Unlike a best-effort crawler, FetchAllPages fails when any page fails: the
// concatenated pages form the id list the batch cursor indexes into, and a
// missing page would shift every later position.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(pageSource, pagination.DefaultConfig(), logger)
//	pages, err := fetcher.FetchAllPages(ctx)
package pagination
