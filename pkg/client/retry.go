package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	esiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	esiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	esiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// RetryPolicy picks the retry configuration for an error class.
type RetryPolicy func(ErrorClass) RetryConfig

// retryJitter is the randomization factor applied to every backoff (±20%).
const retryJitter = 0.2

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the appropriate retry configuration for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		// 5xx server errors - shorter backoff
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		// 520 rate limit - longer backoff
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// backOff returns the exponential backoff schedule of the configuration.
func (rc RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialBackoff
	b.MaxInterval = rc.MaxBackoff
	b.Multiplier = rc.BackoffMultiplier
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryWithBackoff executes fn until it succeeds, fails with an error that
// should not be retried, or the attempts of the policy for the error's class
// are used up. The schedule is fixed by the class of the first failure. A
// Retry-After longer than the scheduled backoff replaces it.
func retryWithBackoff(ctx context.Context, policy RetryPolicy, fn func() error, classify func(error) ErrorClass) error {
	var (
		config   RetryConfig
		schedule *backoff.ExponentialBackOff
		class    ErrorClass
		lastErr  error
	)

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("error_class", string(class)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		class = classify(err)
		if !shouldRetry(class) {
			return err
		}

		if schedule == nil {
			config = policy(class)
			schedule = config.backOff()
		}
		if attempt >= config.MaxAttempts {
			break
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if d := retryAfter(err); d > wait {
			wait = d
		}

		esiRetriesTotal.WithLabelValues(string(class)).Inc()
		esiRetryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		log.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	esiRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	log.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
