package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/esi-pagestream/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Sternrassler/esi-pagestream/pkg/client")

var esiPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "esi_pages_total",
	Help: "Total ESI listing pages fetched by endpoint",
}, []string{"endpoint"})

// errorBodyLimit caps how much of an error response is kept in an ESIError.
const errorBodyLimit = 512

// Page is one page of a paginated ESI listing.
type Page struct {
	// Endpoint is the listing path, e.g. "/v1/markets/10000002/orders/"
	Endpoint string

	// Number is the 1-based page number
	Number int

	// Total is the page count reported by X-Pages
	Total int

	// Data is the raw page body
	Data []byte

	// ETag of the page
	ETag string

	// Cached reports whether the page was answered from the page cache
	Cached bool
}

// FetchPage fetches page number of a paginated endpoint. A response without
// X-Pages is a listing of one page. Non-200 responses fail with *ESIError.
func (c *Client) FetchPage(ctx context.Context, endpoint string, number int) (Page, error) {
	ctx, span := tracer.Start(ctx, "FetchPage", trace.WithAttributes(
		attribute.String("esi.endpoint", endpoint),
		attribute.Int("esi.page", number),
	))
	defer span.End()

	page, err := c.fetchPage(ctx, endpoint, number)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Page{}, err
	}

	span.SetAttributes(
		attribute.Int("esi.pages", page.Total),
		attribute.Bool("esi.cached", page.Cached),
	)
	return page, nil
}

func (c *Client) fetchPage(ctx context.Context, endpoint string, number int) (Page, error) {
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return Page{}, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	query := u.Query()
	query.Set("page", strconv.Itoa(number))
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = resp.Status
		}
		return Page{}, newStatusError(endpoint, resp.StatusCode, message)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("read page %d of %s: %w", number, endpoint, err)
	}

	total := 1
	if v := resp.Header.Get("X-Pages"); v != "" {
		total, err = strconv.Atoi(v)
		if err != nil || total < 1 {
			return Page{}, fmt.Errorf("%w: X-Pages header %q", pagination.ErrInvalidPageCount, v)
		}
	}

	esiPagesTotal.WithLabelValues(u.Path).Inc()
	return Page{
		Endpoint: endpoint,
		Number:   number,
		Total:    total,
		Data:     data,
		ETag:     resp.Header.Get("ETag"),
		Cached:   resp.Header.Get("X-Cache") == "HIT",
	}, nil
}

// Pages returns a fetcher for the numbered pages of endpoint.
func (c *Client) Pages(endpoint string) pagination.Numbered[Page] {
	return pagination.Numbered[Page]{
		Fetch: func(ctx context.Context, n int) (Page, error) {
			return c.FetchPage(ctx, endpoint, n)
		},
		Number: func(p Page) int { return p.Number },
		Total:  func(p Page) int { return p.Total },
	}
}

// PagesPublisher streams the raw pages of endpoint on demand.
func (c *Client) PagesPublisher(endpoint string) *pagination.PagesPublisher[Page] {
	return pagination.NewPagesPublisher[Page](c.Pages(endpoint),
		pagination.WithName(endpoint),
		pagination.WithLogger(c.logger),
	)
}

// FetchAllPages fetches every page of endpoint concurrently and returns them
// in order. On failure the pages fetched so far are returned with the error.
func (c *Client) FetchAllPages(ctx context.Context, endpoint string) ([]Page, error) {
	bf := pagination.NewBatchFetcher(c.Pages(endpoint), pagination.Config{
		MaxConcurrency: c.config.MaxConcurrency,
		Timeout:        c.config.PageTimeout,
	}, pagination.WithName(endpoint), pagination.WithLogger(c.logger))

	return bf.FetchAll(ctx)
}

// Listing is a page of a JSON array listing, decoded into items.
type Listing[T any] struct {
	Number int
	Total  int
	Items  []T
}

// ListPages returns a fetcher that decodes every page of endpoint as a JSON array of T.
func ListPages[T any](c *Client, endpoint string) pagination.Numbered[Listing[T]] {
	pages := c.Pages(endpoint)
	return pagination.Numbered[Listing[T]]{
		Fetch: func(ctx context.Context, n int) (Listing[T], error) {
			page, err := pages.Fetch(ctx, n)
			if err != nil {
				return Listing[T]{}, err
			}
			var items []T
			if err := json.Unmarshal(page.Data, &items); err != nil {
				return Listing[T]{}, fmt.Errorf("decode page %d of %s: %w", n, endpoint, err)
			}
			return Listing[T]{Number: page.Number, Total: page.Total, Items: items}, nil
		},
		Number: func(l Listing[T]) int { return l.Number },
		Total:  func(l Listing[T]) int { return l.Total },
	}
}

// Items streams the items of a JSON array listing across all of its pages.
func Items[T any](c *Client, endpoint string) *pagination.ItemsPublisher[Listing[T], T] {
	return pagination.NewItemsPublisher[Listing[T], T](ListPages[T](c, endpoint),
		func(l Listing[T]) []T { return l.Items },
		pagination.WithName(endpoint),
		pagination.WithLogger(c.logger),
	)
}
