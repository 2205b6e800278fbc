package pagination

import "math"

// State is the lifecycle state of a subscription.
type State int

const (
	// StateIdle means no pump pass is running; a Request starts one.
	StateIdle State = iota

	// StatePumping means a pump pass owns the subscription, either emitting
	// or waiting for a page fetch.
	StatePumping

	// StateCompleted is terminal: OnComplete was delivered.
	StateCompleted

	// StateFailed is terminal: OnError was delivered.
	StateFailed

	// StateCancelled is terminal: the subscriber cancelled.
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePumping:
		return "pumping"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further signals can follow this state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// addDemand adds n to current, saturating at math.MaxInt64 which is treated
// as unbounded demand.
func addDemand(current, n int64) int64 {
	if current > math.MaxInt64-n {
		return math.MaxInt64
	}
	return current + n
}
