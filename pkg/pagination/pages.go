package pagination

import "context"

// PageSubscription streams whole pages, one per unit of demand.
type PageSubscription[P any] struct {
	subscription

	fetcher    PageFetcher[P]
	subscriber Subscriber[P]

	// current is nil until the first page was emitted.
	current *P
}

// NewPageSubscription binds subscriber to fetcher. It does not call
// OnSubscribe and does not fetch anything before the first Request.
func NewPageSubscription[P any](ctx context.Context, fetcher PageFetcher[P], subscriber Subscriber[P], opts ...Option) *PageSubscription[P] {
	return newPageSubscription(ctx, fetcher, subscriber, buildOptions(opts))
}

func newPageSubscription[P any](ctx context.Context, fetcher PageFetcher[P], subscriber Subscriber[P], o options) *PageSubscription[P] {
	s := &PageSubscription[P]{
		fetcher:    fetcher,
		subscriber: subscriber,
	}
	s.init(ctx, modePages, o)
	s.subscription.pump = s.pump
	return s
}

// pump runs on the goroutine that owns the Pumping state. It either finishes
// the stream, releases the pump, or hands it over to a fetch goroutine.
func (s *PageSubscription[P]) pump() {
	if s.current != nil && !s.fetcher.HasNextPage(*s.current) {
		if s.complete() {
			s.subscriber.OnComplete()
		}
		return
	}

	if !s.proceed() {
		return
	}

	go s.fetch(s.current)
}

func (s *PageSubscription[P]) fetch(previous *P) {
	page, err := fetchPage(&s.subscription, s.fetcher, previous)
	if err != nil {
		if s.fail(err) {
			s.subscriber.OnError(err)
		}
		return
	}

	if !s.take() {
		s.drop()
		return
	}
	s.current = &page
	s.subscriber.OnNext(page)

	s.pump()
}

// PagesPublisher publishes the pages of one paged operation. It holds no
// per-subscriber state; every Subscribe starts from the first page.
type PagesPublisher[P any] struct {
	fetcher PageFetcher[P]
	opts    options
}

// NewPagesPublisher creates a publisher of the pages produced by fetcher.
func NewPagesPublisher[P any](fetcher PageFetcher[P], opts ...Option) *PagesPublisher[P] {
	return &PagesPublisher[P]{
		fetcher: fetcher,
		opts:    buildOptions(opts),
	}
}

// Subscribe implements Publisher. The subscriber receives its subscription
// before any page is fetched.
func (p *PagesPublisher[P]) Subscribe(ctx context.Context, subscriber Subscriber[P]) {
	subscriber.OnSubscribe(newPageSubscription(ctx, p.fetcher, subscriber, p.opts))
}
