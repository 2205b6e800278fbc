package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests
	// Recommendation: 10 workers for ESI (300 req/min = 5 req/s)
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// ProgressEvery logs progress every n fetched pages
	ProgressEvery int
}

// DefaultConfig returns safe default configuration for ESI
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
		ProgressEvery:  50,
	}
}

// BatchFetcher fetches all pages of a numbered endpoint eagerly and in
// parallel. It is the non-streaming counterpart of PagesPublisher for callers
// that need the whole result at once.
type BatchFetcher[P any] struct {
	fetcher Numbered[P]
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher[P any](fetcher Numbered[P], config Config, opts ...Option) *BatchFetcher[P] {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = defaults.ProgressEvery
	}

	o := buildOptions(opts)
	lc := o.baseLogger().With().Str("component", "batch-fetcher")
	if o.name != "" {
		lc = lc.Str("stream", o.name)
	}

	return &BatchFetcher[P]{
		fetcher: fetcher,
		config:  config,
		logger:  lc.Logger(),
	}
}

// FetchAll fetches page 1, then pages 2..total concurrently, and returns the
// pages in page order. If a page fails the remaining fetches are cancelled and
// the pages fetched so far are returned, in order, together with the error.
func (bf *BatchFetcher[P]) FetchAll(ctx context.Context) ([]P, error) {
	start := time.Now()

	first, err := bf.fetchOne(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}
	totalPages := bf.fetcher.Total(first)

	bf.logger.Info().
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	if totalPages == 1 {
		bf.logger.Info().
			Int("pages", 1).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return []P{first}, nil
	}

	results := make([]P, totalPages)
	fetched := make([]bool, totalPages)
	results[0], fetched[0] = first, true

	var mu sync.Mutex
	fetchedPages := 1

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for pageNum := 2; pageNum <= totalPages; pageNum++ {
		g.Go(func() error {
			page, err := bf.fetchOne(gctx, pageNum)
			if err != nil {
				bf.logger.Warn().
					Err(err).
					Int("page", pageNum).
					Msg("Page fetch failed")
				return &FetchError{Page: pageNum, Err: err}
			}

			mu.Lock()
			results[pageNum-1], fetched[pageNum-1] = page, true
			fetchedPages++
			n := fetchedPages
			mu.Unlock()

			if n%bf.config.ProgressEvery == 0 {
				bf.logger.Info().
					Int("fetched", n).
					Int("total", totalPages).
					Float64("progress_pct", float64(n)/float64(totalPages)*100).
					Msg("Fetch progress")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fetchErrors.WithLabelValues(modeBatch).Inc()
		partial := make([]P, 0, fetchedPages)
		for i, ok := range fetched {
			if ok {
				partial = append(partial, results[i])
			}
		}
		bf.logger.Warn().
			Err(err).
			Int("fetched_pages", len(partial)).
			Int("total_pages", totalPages).
			Msg("Worker error - returning partial results")
		return partial, fmt.Errorf("worker error (partial data: %d/%d pages): %w", len(partial), totalPages, err)
	}

	bf.logger.Info().
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

// fetchOne fetches a single page with the per-page timeout.
func (bf *BatchFetcher[P]) fetchOne(ctx context.Context, number int) (P, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()

	start := time.Now()
	page, err := bf.fetcher.fetch(pageCtx, number)
	fetchDuration.WithLabelValues(modeBatch).Observe(time.Since(start).Seconds())
	if err == nil {
		pagesFetched.WithLabelValues(modeBatch).Inc()
	}
	return page, err
}
