// Package pagination fetches the pages of one chunk concurrently and
// releases them strictly in page-index order.
//
// A single coordinator goroutine dispatches page tasks into an errgroup
// bounded by the configured concurrency, asking the rate limit tracker for
// the effective limit before every dispatch. Results come back on a channel
// in completion order; the Assembler holds early pages until every lower
// index has been released, so the emitted sequence equals a concurrency-1
// fetch.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(suiteqlClient, tracker, pagination.Config{MaxConcurrency: 5}, logger)
//	result, err := fetcher.Fetch(ctx, pagination.Request{
//		ChunkSeq: chunk.Seq,
//		Query:    query,
//		PageSize: chunk.PageSize,
//		MaxPages: chunk.MaxPages,
//	}, func(p pagination.Page) error {
//		return process(p)
//	})
//
// Fetching stops at the first page shorter than the page size, at a page
// reporting no more data, or after MaxPages. When a page fails after its
// retries, no further pages are dispatched, in-flight fetches drain, pages
// below the failed index are still released and a *FetchError is returned.
package pagination
