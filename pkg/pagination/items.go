package pagination

import (
	"context"
	"iter"
	"slices"
)

// Projection maps a page to its items in order. A page without items maps to
// an empty (or nil) slice.
type Projection[P, T any] func(page P) []T

// ProjectSeq adapts a projection that yields an iter.Seq.
func ProjectSeq[P, T any](fn func(page P) iter.Seq[T]) Projection[P, T] {
	return func(page P) []T {
		seq := fn(page)
		if seq == nil {
			return nil
		}
		return slices.Collect(seq)
	}
}

// cursor is the read position in the current page's items.
type cursor[T any] struct {
	items []T
	pos   int
}

func (c *cursor[T]) hasNext() bool {
	return c.pos < len(c.items)
}

func (c *cursor[T]) next() T {
	item := c.items[c.pos]
	c.pos++
	return item
}

// ItemSubscription streams the items of all pages, one item per unit of
// demand.
type ItemSubscription[P, T any] struct {
	subscription

	fetcher    PageFetcher[P]
	project    Projection[P, T]
	subscriber Subscriber[T]

	// current and items are both nil before the first page.
	current *P
	items   *cursor[T]
}

// NewItemSubscription binds subscriber to fetcher and project. It does not
// call OnSubscribe and does not fetch anything before the first Request.
func NewItemSubscription[P, T any](ctx context.Context, fetcher PageFetcher[P], project Projection[P, T], subscriber Subscriber[T], opts ...Option) *ItemSubscription[P, T] {
	return newItemSubscription(ctx, fetcher, project, subscriber, buildOptions(opts))
}

func newItemSubscription[P, T any](ctx context.Context, fetcher PageFetcher[P], project Projection[P, T], subscriber Subscriber[T], o options) *ItemSubscription[P, T] {
	s := &ItemSubscription[P, T]{
		fetcher:    fetcher,
		project:    project,
		subscriber: subscriber,
	}
	s.init(ctx, modeItems, o)
	s.subscription.pump = s.pump
	return s
}

// pump emits buffered items in a loop until demand runs out, the stream ends
// or a page has to be fetched, in which case the fetch goroutine resumes the
// pass.
func (s *ItemSubscription[P, T]) pump() {
	for {
		more := s.current != nil && s.fetcher.HasNextPage(*s.current)

		if s.current != nil && !more && s.items != nil && !s.items.hasNext() {
			if s.complete() {
				s.subscriber.OnComplete()
			}
			return
		}

		if !s.proceed() {
			return
		}

		switch {
		case s.current == nil && s.items == nil:
			go s.fetch(nil)
			return

		case s.items != nil && s.items.hasNext():
			if !s.take() {
				return
			}
			item := s.items.next()
			itemsEmitted.Inc()
			s.subscriber.OnNext(item)

		case s.items != nil && s.current != nil && more:
			go s.fetch(s.current)
			return

		default:
			s.violate("no page to fetch and no item to emit")
		}
	}
}

func (s *ItemSubscription[P, T]) fetch(previous *P) {
	page, err := fetchPage(&s.subscription, s.fetcher, previous)
	if err != nil {
		if s.fail(err) {
			s.subscriber.OnError(err)
		}
		return
	}

	if !s.pumping() {
		s.drop()
		return
	}
	s.current = &page
	s.items = &cursor[T]{items: s.project(page)}

	s.pump()
}

// ItemsPublisher publishes the items of one paged operation, flattened
// across pages in page order.
type ItemsPublisher[P, T any] struct {
	fetcher PageFetcher[P]
	project Projection[P, T]
	opts    options
}

// NewItemsPublisher creates a publisher of the items project extracts from
// the pages produced by fetcher.
func NewItemsPublisher[P, T any](fetcher PageFetcher[P], project Projection[P, T], opts ...Option) *ItemsPublisher[P, T] {
	return &ItemsPublisher[P, T]{
		fetcher: fetcher,
		project: project,
		opts:    buildOptions(opts),
	}
}

// Subscribe implements Publisher. The subscriber receives its subscription
// before any page is fetched.
func (p *ItemsPublisher[P, T]) Subscribe(ctx context.Context, subscriber Subscriber[T]) {
	subscriber.OnSubscribe(newItemSubscription(ctx, p.fetcher, p.project, subscriber, p.opts))
}
