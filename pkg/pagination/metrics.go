package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream modes used as the "mode" metric label.
const (
	modePages = "pages"
	modeItems = "items"
	modeBatch = "batch"
)

// Prometheus metrics for subscriptions.
var (
	subscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "esi_pagination_subscriptions_active",
		Help: "Number of subscriptions that have not reached a terminal state",
	}, []string{"mode"})

	pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_pagination_pages_fetched_total",
		Help: "Total number of pages fetched by subscriptions",
	}, []string{"mode"})

	itemsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_pagination_items_emitted_total",
		Help: "Total number of items emitted by item subscriptions",
	})

	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_pagination_fetch_errors_total",
		Help: "Total number of failed page fetches",
	}, []string{"mode"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_pagination_fetch_duration_seconds",
		Help:    "Page fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})

	droppedResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_pagination_dropped_results_total",
		Help: "Fetch results discarded because the subscription was already terminal",
	}, []string{"mode"})
)
