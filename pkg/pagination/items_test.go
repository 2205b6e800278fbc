package pagination

import (
	"context"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItemSub(f *fakeFetcher, rec *recorder[string]) *ItemSubscription[testPage, string] {
	return NewItemSubscription[testPage, string](context.Background(), f, pageItems, rec)
}

func TestItemSubscription_FlattensPagesAcrossEmptyPage(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b"}, []string{}, []string{"c"})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	require.NoError(t, s.Request(3))
	waitTerminal(t, rec)

	require.Equal(t, []string{"a", "b", "c"}, rec.Items())
	require.Equal(t, 1, rec.Completes())
	require.Equal(t, StateCompleted, s.State())
	require.EqualValues(t, 3, f.calls.Load())
}

func TestItemSubscription_SplitDemand(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b"}, []string{}, []string{"c"})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	require.NoError(t, s.Request(1))
	waitState(t, s, StateIdle)
	require.Equal(t, []string{"a"}, rec.Items())
	require.EqualValues(t, 1, f.calls.Load())

	require.NoError(t, s.Request(2))
	waitTerminal(t, rec)
	require.Equal(t, []string{"a", "b", "c"}, rec.Items())
	require.Equal(t, 1, rec.Completes())
}

func TestItemSubscription_ConcurrentRequestsShareOnePump(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b", "c"}, []string{"d"})
	f.gate = make(chan struct{})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Request(1))
		}()
	}
	wg.Wait()

	require.Equal(t, StatePumping, s.State())
	require.Equal(t, int64(2), s.Demand())
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, time.Millisecond)

	close(f.gate)
	waitState(t, s, StateIdle)

	require.Equal(t, []string{"a", "b"}, rec.Items())
	require.Zero(t, s.Demand())
	require.EqualValues(t, 1, f.calls.Load())
	require.EqualValues(t, 1, f.maxInFlight.Load())
	require.False(t, rec.Terminated())

	require.NoError(t, s.Request(2))
	waitTerminal(t, rec)
	require.Equal(t, []string{"a", "b", "c", "d"}, rec.Items())
	require.EqualValues(t, 2, f.calls.Load())
}

func TestItemSubscription_DemandIsNeverExceededWithinPage(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b", "c", "d"}, []string{"e"})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	require.NoError(t, s.Request(2))
	waitState(t, s, StateIdle)
	require.Equal(t, []string{"a", "b"}, rec.Items())
	require.EqualValues(t, 1, f.calls.Load())
	require.Zero(t, s.Demand())

	require.NoError(t, s.Request(2))
	waitState(t, s, StateIdle)
	require.Equal(t, []string{"a", "b", "c", "d"}, rec.Items())
	require.EqualValues(t, 1, f.calls.Load(), "next page is not fetched before it is needed")
}

func TestItemSubscription_EmptyPagesComplete(t *testing.T) {
	tests := []struct {
		name  string
		pages [][]string
	}{
		{"single empty page", [][]string{{}}},
		{"nil items", [][]string{nil}},
		{"several empty pages", [][]string{{}, {}, {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher(tt.pages...)
			rec := newRecorder[string]()
			s := newItemSub(f, rec)

			require.NoError(t, s.Request(1))
			waitTerminal(t, rec)

			require.Empty(t, rec.Items())
			require.Equal(t, 1, rec.Completes())
			require.EqualValues(t, len(tt.pages), f.calls.Load())
		})
	}
}

func TestItemSubscription_CompletesWhenLastItemMeetsLastDemand(t *testing.T) {
	f := newFakeFetcher([]string{"a"}, []string{"b"})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	require.NoError(t, s.Request(2))
	waitTerminal(t, rec)

	require.Equal(t, []string{"a", "b"}, rec.Items())
	require.Equal(t, 1, rec.Completes())
}

func TestItemSubscription_FetchFailureStopsStream(t *testing.T) {
	f := newFakeFetcher([]string{"a"}, []string{"b"}, []string{"c"})
	f.failAt = 2
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	require.NoError(t, s.Request(10))
	waitTerminal(t, rec)

	require.Equal(t, []string{"a"}, rec.Items())
	require.ErrorIs(t, rec.Err(), errBoom)
	require.Zero(t, rec.Completes())
	require.Equal(t, StateFailed, s.State())
	require.EqualValues(t, 2, f.calls.Load())

	require.NoError(t, s.Request(1))
	require.Zero(t, rec.Late())
}

func TestItemSubscription_CancelFromOnNext(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b", "c"})
	rec := newRecorder[string]()
	rec.next = func(s Subscription, _ string) {
		s.Cancel()
	}
	s := newItemSub(f, rec)
	rec.OnSubscribe(s)

	require.NoError(t, s.Request(3))
	waitState(t, s, StateCancelled)

	require.Equal(t, []string{"a"}, rec.Items())
	require.False(t, rec.Terminated())
}

func TestItemSubscription_LateResultAfterCancelIsDropped(t *testing.T) {
	f := newFakeFetcher([]string{"a"}, []string{"b"})
	f.gate = make(chan struct{}, 1)
	rec := newRecorder[string]()
	s := newItemSub(f, rec)
	dropped := testutil.ToFloat64(droppedResults.WithLabelValues(modeItems))

	f.gate <- struct{}{}
	require.NoError(t, s.Request(2))
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"a"}, rec.Items())

	s.Cancel()
	close(f.gate)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(droppedResults.WithLabelValues(modeItems)) > dropped
	}, waitFor, time.Millisecond)
	require.Equal(t, []string{"a"}, rec.Items())
	require.False(t, rec.Terminated())
}

func TestItemSubscription_RequestFromOnNext(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b"}, []string{}, []string{"c", "d"})
	rec := newRecorder[string]()
	rec.next = func(s Subscription, _ string) {
		assert.NoError(t, s.Request(1))
	}
	pub := NewItemsPublisher[testPage, string](f, pageItems)

	pub.Subscribe(context.Background(), rec)
	require.NoError(t, rec.Subscription().Request(1))
	waitTerminal(t, rec)

	require.Equal(t, []string{"a", "b", "c", "d"}, rec.Items())
	require.Equal(t, 1, rec.Completes())
}

func TestItemSubscription_InvalidDemand(t *testing.T) {
	f := newFakeFetcher([]string{"a"})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	require.ErrorIs(t, s.Request(0), ErrInvalidDemand)
	require.ErrorIs(t, s.Request(-5), ErrInvalidDemand)
	require.Equal(t, StateIdle, s.State())
	require.Zero(t, f.calls.Load())
}

func TestItemSubscription_UnreachableStatePanics(t *testing.T) {
	f := newFakeFetcher([]string{"a"})
	rec := newRecorder[string]()
	s := newItemSub(f, rec)

	// A cursor without a current page cannot be produced by the pump.
	s.items = &cursor[string]{}
	s.state = StatePumping
	s.demand = 1

	require.PanicsWithError(t,
		"pagination invariant violated in state pumping: no page to fetch and no item to emit",
		s.pump)
	require.Equal(t, StateFailed, s.State())
	require.Zero(t, s.Demand())
	require.False(t, rec.Terminated())
}

func TestItemsPublisher_ProjectSeq(t *testing.T) {
	f := newFakeFetcher([]string{"a", "b"}, []string{"c"})
	project := ProjectSeq(func(p testPage) iter.Seq[string] {
		if len(p.Items) == 0 {
			return nil
		}
		return slices.Values(p.Items)
	})
	pub := NewItemsPublisher[testPage, string](f, project, WithName("seq"))

	got, err := Collect[string](context.Background(), pub, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, got)
}
