// Package cache provides the Redis-backed page cache of the ESI client.
//
// Every page of a paginated listing is cached under its own key. All pages
// of one listing share a base key, so the pages of a listing can be dropped
// together once ESI publishes a new snapshot of it:
//
//	key := cache.Key{
//		Endpoint: "/v1/markets/10000002/orders/",
//		Page:     3,
//	}
//	// esi:v1/markets/10000002/orders:page=3
//
// # HTTP Response Caching
//
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// ESI answers 304 if the page did not change
//	}
//
// # ESI Compliance
//
//   - MUST respect expires header (cache for at least that long)
//   - MUST NOT circumvent caching (risk of permanent IP ban)
//   - SHOULD use conditional requests (If-None-Match) when possible
//   - 304 Not Modified responses do NOT count against error limit
//
// # Metrics
//
//   - esi_page_cache_hits_total / esi_page_cache_misses_total
//   - esi_page_cache_errors_total{operation}
//   - esi_page_cache_invalidated_total
//   - esi_304_responses_total
//   - esi_conditional_requests_total
package cache
