package cache

import (
	"net/http"
	"strconv"
	"time"
)

// Entry is one cached ESI response, usually a single page of a listing.
type Entry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag"`

	// Expires is when the entry becomes stale (from ESI expires header)
	Expires time.Time `json:"expires"`

	// LastModified is when the data was last modified (from ESI last-modified header)
	LastModified time.Time `json:"last_modified"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers, including X-Pages
	Headers http.Header `json:"headers"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is stale. Stale entries may still be
// revalidated with a conditional request.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// Pages returns the listing page count recorded in X-Pages, or 1 when the
// header is missing or unusable.
func (e *Entry) Pages() int {
	n, err := strconv.Atoi(e.Headers.Get("X-Pages"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// SameSnapshot reports whether other holds the same version of the resource.
// ETags are compared when both sides carry one, Last-Modified otherwise.
// Entries with neither are never considered equal.
func (e *Entry) SameSnapshot(other *Entry) bool {
	if e == nil || other == nil {
		return false
	}
	if e.ETag != "" && other.ETag != "" {
		return e.ETag == other.ETag
	}
	if !e.LastModified.IsZero() && !other.LastModified.IsZero() {
		return e.LastModified.Equal(other.LastModified)
	}
	return false
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the entry was cached.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CachedAt)
}
