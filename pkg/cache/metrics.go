package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits counts page cache hits
	Hits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_page_cache_hits_total",
			Help: "Total number of ESI page cache hits",
		},
	)

	// Misses counts page cache misses, including expired entries
	Misses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_page_cache_misses_total",
			Help: "Total number of ESI page cache misses",
		},
	)

	// Errors counts cache operation errors
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esi_page_cache_errors_total",
			Help: "Total number of page cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "invalidate"
	)

	// Invalidated counts pages dropped because their listing changed
	Invalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_page_cache_invalidated_total",
			Help: "Total number of cached pages invalidated after their listing was refreshed",
		},
	)

	// NotModifiedResponses counts 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_304_responses_total",
			Help: "Total number of ESI 304 Not Modified responses",
		},
	)

	// ConditionalRequestsSent counts requests sent with If-None-Match or If-Modified-Since
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_conditional_requests_total",
			Help: "Total number of conditional ESI requests sent",
		},
	)
)
