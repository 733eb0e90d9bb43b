// Package pool runs a bounded number of lanes over a slice of work items.
//
// Each lane claims the next unprocessed index from a shared atomic cursor and
// writes its result into a pre-sized slice, so output order always matches
// input order regardless of completion order.
//
// Example usage:
//
//	results, err := pool.Run(ctx, ids, 8, func(ctx context.Context, id int64, i int) Outcome {
//		return fetchOne(ctx, id)
//	})
//
// The pool:
//   - Launches exactly min(concurrency, len(items)) lanes (at least one)
//   - Never aborts on a per-item failure; workers encode failures in R
//   - Stops claiming new items once the context is done
package pool
