// Package client provides the ESI HTTP transport with error limit gating,
// request pacing, page caching, and retries, and exposes paginated ESI
// listings as page and item streams.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/esi-pagestream/pkg/cache"
	"github.com/Sternrassler/esi-pagestream/pkg/logging"
	"github.com/Sternrassler/esi-pagestream/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public ESI host.
const DefaultBaseURL = "https://esi.evetech.net"

// Prometheus metrics for ESI client operations.
var (
	esiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_requests_total",
		Help: "Total ESI requests by endpoint and status",
	}, []string{"endpoint", "status"})

	esiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_request_duration_seconds",
		Help:    "ESI request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	esiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_errors_total",
		Help: "Total ESI errors by class",
	}, []string{"class"})
)

// Client is the ESI client.
type Client struct {
	httpClient  *http.Client
	redis       redis.UniversalClient
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	pacer       *rate.Limiter
	baseURL     string
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis client for caching and rate limit state
	Redis redis.UniversalClient

	// BaseURL of the ESI host, DefaultBaseURL if empty
	BaseURL string

	// User-Agent header (REQUIRED by ESI)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// RateLimit paces outgoing requests (requests per second, 0 = unpaced)
	RateLimit int

	// MaxConcurrency bounds parallel page fetches in FetchAllPages
	MaxConcurrency int

	// PageTimeout bounds a single page fetch in FetchAllPages
	PageTimeout time.Duration

	// RespectExpires honors the ESI expires header (MUST be true)
	RespectExpires bool

	// Retry picks the retry schedule per error class, RetryConfigForErrorClass if nil
	Retry RetryPolicy
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis redis.UniversalClient, userAgent string) Config {
	return Config{
		Redis:          redis,
		BaseURL:        DefaultBaseURL,
		UserAgent:      userAgent,
		RateLimit:      10,
		MaxConcurrency: 5,
		PageTimeout:    15 * time.Second,
		RespectExpires: true, // MUST be true for ESI compliance
		Retry:          RetryConfigForErrorClass,
	}
}

// New creates a new ESI client.
func New(cfg Config) (*Client, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if !cfg.RespectExpires {
		return nil, fmt.Errorf("respect_expires must be true (ESI requirement)")
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %d)", cfg.RateLimit)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.Retry == nil {
		cfg.Retry = RetryConfigForErrorClass
	}

	logger := logging.NewLogger("esi-client")

	pacer := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		redis:       cfg.Redis,
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger),
		cache:       cache.NewManager(cfg.Redis),
		pacer:       pacer,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs an HTTP request with caching, error limit gating, pacing, and
// retries. A fresh cached response is returned without contacting ESI.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		esiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Cache
	cacheKey := cache.KeyFromRequest(req, 0)
	cachedEntry, err := c.cache.Lookup(ctx, cacheKey)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
	}
	if cachedEntry != nil && !cachedEntry.IsExpired() {
		c.logger.Debug().
			Str("endpoint", endpoint).
			Int("page", cacheKey.Page).
			Dur("age", cachedEntry.Age()).
			Msg("Serving cached response")
		esiRequestsTotal.WithLabelValues(endpoint, "cache_hit").Inc()
		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 2: Check Error Limit
	if err := c.rateLimiter.Allow(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrBlocked) {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Msg("Request blocked by rate limiter")
			esiRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return nil, fmt.Errorf("%w: %w", ErrRequestBlocked, err)
		}
		c.logger.Error().Err(err).Msg("Rate limit check failed")
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	// Step 3: Pace
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("request pacing: %w", err)
	}

	// Step 4: Make Conditional Request for a stale entry
	if cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	// Step 5: Execute HTTP Request with Retry Logic
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Int("page", cacheKey.Page).
		Msg("Executing ESI request")

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.config.Retry, func() error {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			esiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			esiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return reqErr
		}

		if err := c.rateLimiter.Observe(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		if resp.StatusCode == http.StatusNotModified {
			return nil
		}

		esiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode < 400 {
			return nil
		}

		errClass := c.classifyError(resp, nil)
		esiErrorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("ESI request error")

		if shouldRetry(errClass) {
			resp.Body.Close()
			esiErr := newStatusError(endpoint, resp.StatusCode, resp.Status)
			esiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return esiErr
		}

		// Client errors are returned to the caller as responses.
		return nil
	}, func(err error) ErrorClass {
		if ctx.Err() != nil {
			return ""
		}
		var esiErr *ESIError
		if errors.As(err, &esiErr) {
			return esiErr.ErrorClass
		}
		return ErrorClassNetwork
	})

	if retryErr != nil {
		return nil, retryErr
	}

	// Step 6: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		esiRequestsTotal.WithLabelValues(endpoint, "304").Inc()
		cache.NotModifiedResponses.Inc()
		resp.Body.Close()

		if expiresStr := resp.Header.Get("Expires"); expiresStr != "" {
			if newExpires, err := http.ParseTime(expiresStr); err == nil {
				if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
				}
			}
		}

		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 7: Update Cache on success
	if resp.StatusCode == http.StatusOK {
		c.store(ctx, cacheKey, cachedEntry, resp)
	}

	return resp, nil
}

// store caches a fresh response. A changed first page means ESI published a
// new snapshot of the listing, so the other cached pages are dropped.
func (c *Client) store(ctx context.Context, key cache.Key, previous *cache.Entry, resp *http.Response) {
	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		return
	}

	if key.Page <= 1 && previous != nil && !previous.SameSnapshot(entry) {
		deleted, err := c.cache.InvalidatePages(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("endpoint", key.Endpoint).Msg("Failed to invalidate cached pages")
		} else if deleted > 0 {
			c.logger.Debug().
				Str("endpoint", key.Endpoint).
				Int("pages", deleted).
				Msg("Listing changed, dropped cached pages")
		}
	}

	if entry.TTL() <= 0 {
		return
	}
	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().
		Str("endpoint", key.Endpoint).
		Int("page", key.Page).
		Dur("ttl", entry.TTL()).
		Msg("Cached response")
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		c.logger.Debug().Str("class", string(ErrorClassNetwork)).Msg("Error classified")
		return ErrorClassNetwork
	}

	class := classifyStatus(resp.StatusCode)
	if class != "" {
		c.logger.Debug().Str("class", string(class)).Msg("Error classified")
	}
	return class
}

// Get performs a GET request to an ESI endpoint, e.g. "/v1/status/".
func (c *Client) Get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Cache returns the cache manager.
func (c *Client) Cache() *cache.Manager {
	return c.cache
}

// Ping checks the Redis connection shared by the cache and the error limit tracker.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}
