// Package metrics exposes the Prometheus registry shared by the ESI stream
// packages. Metrics are defined in their respective packages (pagination,
// client, cache, ratelimit) to keep them modular and avoid circular
// dependencies; this package serves them and instruments HTTP handlers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the ESI client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "esi_stream_http_request_duration_seconds",
	Help:    "Duration of requests served by esi-stream, by route",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "code"})

// Handler serves the metrics registered with the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Instrument records the duration of every request h serves under route.
func Instrument(route string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		httpRequestDuration.MustCurryWith(prometheus.Labels{"route": route}), h)
}

// Metrics Documentation
//
// Stream Metrics (pkg/pagination):
//   - esi_pagination_subscriptions_active{mode} (Gauge): Subscriptions not yet terminated (mode: pages, items, batch)
//   - esi_pagination_pages_fetched_total{mode} (Counter): Pages delivered to subscriptions
//   - esi_pagination_items_emitted_total (Counter): Items emitted by item subscriptions
//   - esi_pagination_fetch_errors_total{mode} (Counter): Failed page fetches
//   - esi_pagination_fetch_duration_seconds{mode} (Histogram): Page fetch duration
//   - esi_pagination_dropped_results_total{mode} (Counter): Fetch results arriving after cancellation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - esi_errors_remaining (Gauge): Current errors remaining in ESI rate limit window
//   - esi_rate_limit_blocks_total (Counter): Requests blocked due to critical error limit
//   - esi_rate_limit_throttles_total (Counter): Requests throttled due to warning error limit
//
// Page Cache Metrics (pkg/cache):
//   - esi_page_cache_hits_total (Counter): Fresh cache hits
//   - esi_page_cache_misses_total (Counter): Cache misses, including stale entries
//   - esi_page_cache_errors_total{operation} (Counter): Cache operation errors
//   - esi_page_cache_invalidated_total (Counter): Pages dropped after a listing changed
//   - esi_304_responses_total (Counter): 304 Not Modified responses
//   - esi_conditional_requests_total (Counter): Conditional requests sent with If-None-Match
//
// Request Metrics (pkg/client):
//   - esi_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - esi_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - esi_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - esi_pages_total{endpoint} (Counter): Listing pages fetched
//
// Retry Metrics (pkg/client):
//   - esi_retries_total{error_class} (Counter): Retry attempts by error class
//   - esi_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - esi_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Server Metrics (cmd/esi-stream):
//   - esi_stream_http_request_duration_seconds{route, code} (Histogram): Served request duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(esi_page_cache_hits_total[5m])) /
//   (sum(rate(esi_page_cache_hits_total[5m])) + sum(rate(esi_page_cache_misses_total[5m])))
//
//   # Error Limit Status
//   esi_errors_remaining < 20
//
//   # Late Results Dropped After Cancel
//   rate(esi_pagination_dropped_results_total[5m])
//
//   # P95 Page Fetch Latency
//   histogram_quantile(0.95, rate(esi_pagination_fetch_duration_seconds_bucket[5m]))
