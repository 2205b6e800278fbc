package pagination

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDemand is returned by Request for a non-positive n.
	ErrInvalidDemand = errors.New("non-positive request signals are illegal")

	// ErrRepeatedToken is returned when a page carries the same continuation
	// token as the page before it, which would otherwise loop forever.
	ErrRepeatedToken = errors.New("paginator returned a repeated continuation token")

	// ErrInvalidPageCount is returned when a numbered page reports a total that
	// cannot be right (less than one, or less than its own page number).
	ErrInvalidPageCount = errors.New("invalid page count")
)

// FetchError is delivered through OnError when fetching a page fails.
type FetchError struct {
	// Page is the 1-based position of the page that could not be fetched.
	Page int
	Err  error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// InvariantViolation is the panic value raised when a subscription reaches a
// state its state machine declares unreachable.
type InvariantViolation struct {
	State  State
	Reason string
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("pagination invariant violated in state %s: %s", e.State, e.Reason)
}
