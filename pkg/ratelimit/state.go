// Package ratelimit implements ESI error rate limit tracking and request gating.
// It monitors the X-ESI-Error-Limit-Remain and X-ESI-Error-Limit-Reset headers
// to prevent IP bans due to error limit violations. The state is shared by
// all client instances through a Redis hash.
package ratelimit

import (
	"time"
)

// DefaultRedisKey is the Redis hash holding the shared error limit state.
const DefaultRedisKey = "esi:rate_limit"

// Hash fields of the state.
const (
	fieldErrorsRemaining = "errors_remaining"
	fieldResetAt         = "reset_at"
	fieldLastUpdate      = "last_update"
)

// Thresholds for rate limit decisions.
const (
	// ErrorThresholdCritical blocks all requests when errors remaining falls below this value.
	ErrorThresholdCritical = 5

	// ErrorThresholdWarning applies throttling when errors remaining falls below this value.
	ErrorThresholdWarning = 20

	// ErrorThresholdHealthy indicates normal operation.
	ErrorThresholdHealthy = 50
)

// defaultErrorsRemaining is assumed until ESI reported a real value.
const defaultErrorsRemaining = 100

// Level classifies an error limit state.
type Level int

const (
	// LevelHealthy means no restrictions apply.
	LevelHealthy Level = iota
	// LevelDegraded means errors accumulate but requests pass unthrottled.
	LevelDegraded
	// LevelWarning means requests are throttled.
	LevelWarning
	// LevelCritical means requests are blocked until the window resets.
	LevelCritical
)

// String returns the level name used in logs.
func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelDegraded:
		return "degraded"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// State is the ESI error limit window as last reported by ESI.
type State struct {
	// ErrorsRemaining is the number of errors allowed before ESI blocks requests.
	ErrorsRemaining int

	// ResetAt is when the error limit window resets.
	ResetAt time.Time

	// LastUpdate is when ESI last reported the state.
	LastUpdate time.Time
}

// Level returns the classification of the state.
func (s State) Level() Level {
	switch {
	case s.ErrorsRemaining < ErrorThresholdCritical:
		return LevelCritical
	case s.ErrorsRemaining < ErrorThresholdWarning:
		return LevelWarning
	case s.ErrorsRemaining < ErrorThresholdHealthy:
		return LevelDegraded
	default:
		return LevelHealthy
	}
}

// ResetIn returns the time left in the window at now, 0 if it already reset.
func (s State) ResetIn(now time.Time) time.Duration {
	if d := s.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the window of the state has reset at now.
func (s State) Expired(now time.Time) bool {
	return !s.ResetAt.IsZero() && !now.Before(s.ResetAt)
}
