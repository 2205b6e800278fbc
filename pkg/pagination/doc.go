// Package pagination turns paginated ESI endpoints (or any paged operation) into
// demand-driven streams of pages or of individual items.
//
// A consumer subscribes to a publisher, receives a Subscription and signals how
// many elements it can accept with Request. The subscription fetches pages one
// at a time through a PageFetcher and never emits more elements than were
// requested. Every stream ends with exactly one OnComplete or OnError, unless the
// consumer cancels it first.
//
// Example usage:
//
//	fetcher := esiClient.Pages("/v1/markets/10000002/orders/")
//	pub := pagination.NewPagesPublisher[client.Page](fetcher)
//	pub.Subscribe(ctx, &pagination.SubscriberFuncs[client.Page]{
//		Subscribe: func(s pagination.Subscription) { _ = s.Request(10) },
//		Next:      func(p client.Page) { fmt.Println(p.Number, len(p.Data)) },
//	})
//
// Item streams flatten pages through a projection:
//
//	pub := pagination.NewItemsPublisher(fetcher, func(p OrdersPage) []Order {
//		return p.Orders
//	})
//	orders, err := pagination.Collect(ctx, pub, 100)
//
// Pages are fetched strictly in order and never ahead of demand. For eager,
// concurrent retrieval of numbered pages use BatchFetcher instead.
package pagination
