package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// subscription holds the demand and pump state shared by page and item
// subscriptions. mu guards state, demand and writes to fetched. The current
// page and cursor are owned by whichever goroutine runs the pump pass: the
// Pumping state hands them from one goroutine to the next.
type subscription struct {
	id     string
	mode   string
	ctx    context.Context
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	demand int64

	fetched int

	// pump runs one pump pass; set by the concrete subscription.
	pump func()
}

func (s *subscription) init(ctx context.Context, mode string, o options) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.id = uuid.NewString()
	s.mode = mode
	s.ctx = ctx

	lc := o.baseLogger().With().
		Str("component", "pagination").
		Str("mode", mode).
		Str("subscription_id", s.id)
	if o.name != "" {
		lc = lc.Str("stream", o.name)
	}
	s.logger = lc.Logger()

	subscriptionsActive.WithLabelValues(mode).Inc()
	s.logger.Debug().Msg("Subscription created")
}

// ID returns the subscription's unique identifier as used in log output.
func (s *subscription) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Demand returns the outstanding demand.
func (s *subscription) Demand() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demand
}

// Request adds n to the outstanding demand and starts a pump pass on the
// calling goroutine if none is running. Requests on a terminated subscription
// are ignored.
func (s *subscription) Request(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDemand, n)
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.demand = addDemand(s.demand, n)
	demand := s.demand
	if s.state == StatePumping {
		s.mu.Unlock()
		s.logger.Trace().Int64("requested", n).Int64("demand", demand).Msg("Demand added to running pump")
		return nil
	}
	s.state = StatePumping
	s.mu.Unlock()

	s.logger.Trace().Int64("requested", n).Int64("demand", demand).Msg("Starting pump pass")

	s.pump()
	return nil
}

// Cancel stops the subscription. A fetch in flight is not interrupted, but
// its result is dropped.
func (s *subscription) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.demand = 0
	fetched := s.fetched
	s.mu.Unlock()

	subscriptionsActive.WithLabelValues(s.mode).Dec()
	s.logger.Debug().Int("pages_fetched", fetched).Msg("Subscription cancelled")
}

// proceed is called by the pump owner before doing more work. It returns
// false when the pass must stop, releasing the pump (Idle) if the reason is
// exhausted demand.
func (s *subscription) proceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePumping {
		return false
	}
	if s.demand <= 0 {
		s.state = StateIdle
		return false
	}
	return true
}

// take consumes one unit of demand right before an emission. It returns
// false if the subscription stopped pumping since the last check.
func (s *subscription) take() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePumping {
		return false
	}
	s.demand--
	return true
}

// pumping reports whether the pass still owns the subscription.
func (s *subscription) pumping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StatePumping
}

// finish moves a pumping subscription to a terminal state. It returns false
// if the subscription was cancelled meanwhile, in which case the caller must
// not signal the subscriber.
func (s *subscription) finish(to State) bool {
	s.mu.Lock()
	if s.state != StatePumping {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.demand = 0
	s.mu.Unlock()

	subscriptionsActive.WithLabelValues(s.mode).Dec()
	return true
}

// complete finishes the stream successfully.
func (s *subscription) complete() bool {
	if !s.finish(StateCompleted) {
		return false
	}
	s.logger.Debug().Int("pages_fetched", s.fetched).Msg("Subscription completed")
	return true
}

// fail finishes the stream with a fetch error.
func (s *subscription) fail(err error) bool {
	if !s.finish(StateFailed) {
		s.drop()
		return false
	}
	s.logger.Warn().Err(err).Int("pages_fetched", s.fetched).Msg("Page fetch failed")
	return true
}

// drop records a fetch result that arrived after the subscription stopped.
func (s *subscription) drop() {
	droppedResults.WithLabelValues(s.mode).Inc()
	s.logger.Debug().Msg("Dropping fetch result of terminated subscription")
}

// violate fails the subscription and panics with an InvariantViolation.
func (s *subscription) violate(reason string) {
	s.mu.Lock()
	state := s.state
	s.state = StateFailed
	s.demand = 0
	s.mu.Unlock()

	if !state.Terminal() {
		subscriptionsActive.WithLabelValues(s.mode).Dec()
	}
	v := &InvariantViolation{State: state, Reason: reason}
	s.logger.Error().Err(v).Msg("Subscription state machine corrupted")
	panic(v)
}

// fetchPage fetches the page after previous and records metrics. Errors are
// returned as *FetchError.
func fetchPage[P any](s *subscription, fetcher PageFetcher[P], previous *P) (P, error) {
	number := s.fetched + 1
	start := time.Now()

	s.logger.Debug().Int("page", number).Msg("Fetching page")
	page, err := fetcher.NextPage(s.ctx, previous)
	fetchDuration.WithLabelValues(s.mode).Observe(time.Since(start).Seconds())

	if err != nil {
		fetchErrors.WithLabelValues(s.mode).Inc()
		return page, &FetchError{Page: number, Err: err}
	}

	s.mu.Lock()
	s.fetched = number
	s.mu.Unlock()
	pagesFetched.WithLabelValues(s.mode).Inc()
	return page, nil
}
