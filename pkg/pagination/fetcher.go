package pagination

import (
	"context"
	"fmt"
)

// PageFetcher is the capability a paged operation supplies to the engine.
type PageFetcher[P any] interface {
	// HasNextPage reports whether a page follows previous. It must be pure and
	// must not block.
	HasNextPage(previous P) bool

	// NextPage fetches the page after previous, or the first page when
	// previous is nil. The engine never calls NextPage concurrently for the
	// same subscription.
	NextPage(ctx context.Context, previous *P) (P, error)
}

// FetcherFuncs adapts a pair of functions to PageFetcher.
type FetcherFuncs[P any] struct {
	HasNext func(previous P) bool
	Next    func(ctx context.Context, previous *P) (P, error)
}

// HasNextPage implements PageFetcher.
func (f FetcherFuncs[P]) HasNextPage(previous P) bool {
	return f.HasNext(previous)
}

// NextPage implements PageFetcher.
func (f FetcherFuncs[P]) NextPage(ctx context.Context, previous *P) (P, error) {
	return f.Next(ctx, previous)
}

// TokenPaginator is the PageFetcher for operations that continue through an
// opaque next-token carried by each response. The first call sends Request
// unchanged; every later call sends WithToken(Request, token) where token is
// the previous page's NextToken. An empty token marks the last page.
type TokenPaginator[R, P any] struct {
	Request   R
	Call      func(ctx context.Context, req R) (P, error)
	NextToken func(page P) string
	WithToken func(req R, token string) R
}

// HasNextPage implements PageFetcher.
func (p TokenPaginator[R, P]) HasNextPage(previous P) bool {
	return p.NextToken(previous) != ""
}

// NextPage implements PageFetcher.
func (p TokenPaginator[R, P]) NextPage(ctx context.Context, previous *P) (P, error) {
	if previous == nil {
		return p.Call(ctx, p.Request)
	}

	token := p.NextToken(*previous)
	page, err := p.Call(ctx, p.WithToken(p.Request, token))
	if err != nil {
		return page, err
	}

	if next := p.NextToken(page); next != "" && next == token {
		var zero P
		return zero, fmt.Errorf("%w: %q", ErrRepeatedToken, token)
	}
	return page, nil
}

// Numbered is the PageFetcher for endpoints addressed by page number that
// report the total page count with every page (ESI's X-Pages header).
type Numbered[P any] struct {
	// Fetch fetches page number (1-based).
	Fetch func(ctx context.Context, number int) (P, error)
	// Number returns the page number a page was fetched as.
	Number func(page P) int
	// Total returns the total page count reported by a page.
	Total func(page P) int
}

// HasNextPage implements PageFetcher.
func (n Numbered[P]) HasNextPage(previous P) bool {
	return n.Number(previous) < n.Total(previous)
}

// NextPage implements PageFetcher.
func (n Numbered[P]) NextPage(ctx context.Context, previous *P) (P, error) {
	number := 1
	if previous != nil {
		number = n.Number(*previous) + 1
	}
	return n.fetch(ctx, number)
}

// fetch fetches one page and checks the reported total.
func (n Numbered[P]) fetch(ctx context.Context, number int) (P, error) {
	page, err := n.Fetch(ctx, number)
	if err != nil {
		return page, err
	}

	if total := n.Total(page); total < 1 || total < n.Number(page) {
		var zero P
		return zero, fmt.Errorf("%w: page %d reports %d pages", ErrInvalidPageCount, n.Number(page), total)
	}
	return page, nil
}
