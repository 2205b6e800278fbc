package pagination

import (
	"context"
	"iter"
)

const (
	// DefaultBatchSize is the demand requested at a time by the pull helpers
	// when a non-positive batch size is given.
	DefaultBatchSize = 100

	// MaxBatchSize caps the demand requested at a time by the pull helpers.
	// Larger batch sizes are lowered to it, since a batch is buffered in full.
	MaxBatchSize = 1000
)

// clampBatch maps a requested batch size into [1, MaxBatchSize].
func clampBatch(batch int64) int64 {
	switch {
	case batch <= 0:
		return DefaultBatchSize
	case batch > MaxBatchSize:
		return MaxBatchSize
	default:
		return batch
	}
}

// event carries one signal from the publisher to a pulling consumer.
type event[T any] struct {
	value T
	err   error
	done  bool
}

// bridge is a Subscriber that buffers at most one batch of elements plus the
// terminal signal, so the publisher never blocks on it.
type bridge[T any] struct {
	subscribed chan Subscription
	events     chan event[T]
}

func newBridge[T any](batch int64) *bridge[T] {
	return &bridge[T]{
		subscribed: make(chan Subscription, 1),
		events:     make(chan event[T], batch+1),
	}
}

func (b *bridge[T]) OnSubscribe(s Subscription) {
	select {
	case b.subscribed <- s:
	default:
		// A second subscription violates the protocol.
		s.Cancel()
	}
}

func (b *bridge[T]) OnNext(v T)        { b.events <- event[T]{value: v} }
func (b *bridge[T]) OnError(err error) { b.events <- event[T]{err: err, done: true} }
func (b *bridge[T]) OnComplete()       { b.events <- event[T]{done: true} }

// Iterator pulls elements from a Publisher, requesting them in batches.
// It follows the Next/Close contract of the pipeline iterators: Next returns
// (zero, false, nil) once the stream completed.
type Iterator[T any] struct {
	bridge  *bridge[T]
	sub     Subscription
	batch   int64
	pending int64
	done    bool
	err     error
}

// NewIterator subscribes to pub. Nothing is requested before the first Next.
// batch is clamped to [1, MaxBatchSize]; non-positive values mean DefaultBatchSize.
// The caller must Close the iterator unless it was read to the end.
func NewIterator[T any](ctx context.Context, pub Publisher[T], batch int64) *Iterator[T] {
	batch = clampBatch(batch)
	it := &Iterator[T]{
		bridge: newBridge[T](batch),
		batch:  batch,
	}
	pub.Subscribe(ctx, it.bridge)
	return it
}

// Next returns the next element. It returns (zero, false, nil) when the
// stream is exhausted and the stream's error if it failed.
func (it *Iterator[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if it.done {
		return zero, false, it.err
	}

	if it.sub == nil {
		select {
		case it.sub = <-it.bridge.subscribed:
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}

	if it.pending == 0 {
		if err := it.sub.Request(it.batch); err != nil {
			return zero, false, err
		}
		it.pending = it.batch
	}

	select {
	case ev := <-it.bridge.events:
		if ev.done {
			it.done = true
			it.err = ev.err
			return zero, false, ev.err
		}
		it.pending--
		return ev.value, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Close cancels the underlying subscription if the stream has not ended.
func (it *Iterator[T]) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	if it.sub == nil {
		select {
		case it.sub = <-it.bridge.subscribed:
		default:
			return nil
		}
	}
	it.sub.Cancel()
	return nil
}

// All returns an iterator over the elements of pub for use with range. The
// subscription is cancelled when the loop stops early. A stream error is
// yielded once as the last pair.
func All[T any](ctx context.Context, pub Publisher[T], batch int64) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := NewIterator(ctx, pub, batch)
		defer it.Close()

		for {
			v, ok, err := it.Next(ctx)
			if err != nil {
				yield(v, err)
				return
			}
			if !ok {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Collect reads the whole stream. On error it returns the elements received
// before the failure together with the error.
func Collect[T any](ctx context.Context, pub Publisher[T], batch int64) ([]T, error) {
	var out []T
	for v, err := range All(ctx, pub, batch) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
