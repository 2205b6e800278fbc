package client

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRequestBlocked is returned when the error limit tracker blocks a request.
	ErrRequestBlocked = errors.New("request blocked: rate limit critical")
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 520 rate limit errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// classifyStatus returns the error class of an HTTP status code, or "" for
// non-error statuses.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 520:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// ESIError is a non-success ESI response.
type ESIError struct {
	// Endpoint is the request path, empty if unknown
	Endpoint   string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	// RetryAfter is the delay ESI asked for before the next attempt, zero if none
	RetryAfter time.Duration
	Err        error
}

func newStatusError(endpoint string, status int, message string) *ESIError {
	return &ESIError{
		Endpoint:   endpoint,
		StatusCode: status,
		ErrorClass: classifyStatus(status),
		Message:    message,
	}
}

// Error implements the error interface.
func (e *ESIError) Error() string {
	msg := fmt.Sprintf("ESI %s error (status %d)", e.ErrorClass, e.StatusCode)
	if e.Endpoint != "" {
		msg += " on " + e.Endpoint
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ESIError) Unwrap() error {
	return e.Err
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfter returns the Retry-After delay carried by err, if any.
func retryAfter(err error) time.Duration {
	var esiErr *ESIError
	if errors.As(err, &esiErr) {
		return esiErr.RetryAfter
	}
	return 0
}

// ClientStatus returns the status code of an ESI 4xx response anywhere in
// err's chain. Such errors are the caller's fault and are passed through
// unchanged by proxies.
func ClientStatus(err error) (int, bool) {
	var esiErr *ESIError
	if errors.As(err, &esiErr) && esiErr.ErrorClass == ErrorClassClient {
		return esiErr.StatusCode, true
	}
	return 0, false
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors should NOT be retried (wastes error budget)
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
