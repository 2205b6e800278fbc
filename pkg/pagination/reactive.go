package pagination

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Publisher provides a potentially unbounded number of sequenced elements,
// publishing them according to the demand received from its Subscribers.
//
// Subscribe may be called any number of times; each call starts a new,
// independent Subscription.
type Publisher[T any] interface {
	Subscribe(ctx context.Context, s Subscriber[T])
}

// Subscriber receives OnSubscribe exactly once, then OnNext zero or more times,
// then at most one of OnError or OnComplete.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(v T)
	OnError(err error)
	OnComplete()
}

// Subscription is the one-to-one lifecycle of a Subscriber subscribed to a
// Publisher.
type Subscription interface {
	// Request adds n to the outstanding demand. n must be positive; otherwise
	// ErrInvalidDemand is returned and the subscription is left untouched.
	Request(n int64) error
	// Cancel stops the stream. Results of a fetch still in flight are dropped.
	Cancel()
}

// SubscriberFuncs is a Subscriber assembled from optional functions.
// Nil functions are ignored, except Error which logs the error when unset.
type SubscriberFuncs[T any] struct {
	Subscribe func(Subscription)
	Next      func(T)
	Error     func(error)
	Complete  func()
}

// OnSubscribe implements Subscriber.
func (f *SubscriberFuncs[T]) OnSubscribe(s Subscription) {
	if f.Subscribe != nil {
		f.Subscribe(s)
	}
}

// OnNext implements Subscriber.
func (f *SubscriberFuncs[T]) OnNext(v T) {
	if f.Next != nil {
		f.Next(v)
	}
}

// OnError implements Subscriber.
func (f *SubscriberFuncs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
		return
	}
	log.Warn().Err(err).Msg("Unhandled stream error")
}

// OnComplete implements Subscriber.
func (f *SubscriberFuncs[T]) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}
