package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned by Allow while the error limit is critical.
var ErrBlocked = errors.New("request blocked: ESI error limit critical")

// Prometheus metrics for rate limit tracking.
var (
	esiErrorsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_errors_remaining",
		Help: "Number of errors remaining in current ESI rate limit window",
	})

	esiRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to critical error limit",
	})

	esiRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to warning error limit",
	})
)

// DefaultThrottleDelay is how long Allow delays requests in the warning range.
const DefaultThrottleDelay = time.Second

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, e.g. with a mock in tests.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithKey sets the Redis key of the state hash.
func WithKey(key string) Option {
	return func(t *Tracker) {
		t.key = key
	}
}

// WithThrottleDelay sets the delay applied in the warning range.
func WithThrottleDelay(d time.Duration) Option {
	return func(t *Tracker) {
		t.throttle = d
	}
}

// Tracker monitors ESI error rate limits and gates requests.
type Tracker struct {
	redis    redis.UniversalClient
	logger   zerolog.Logger
	clock    clock.Clock
	key      string
	throttle time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient redis.UniversalClient, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		redis:    redisClient,
		logger:   logger,
		clock:    clock.New(),
		key:      DefaultRedisKey,
		throttle: DefaultThrottleDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the shared error limit state. A healthy default is returned
// while ESI has not reported anything or the stored window has expired.
func (t *Tracker) State(ctx context.Context) (State, error) {
	fields, err := t.redis.HGetAll(ctx, t.key).Result()
	if err != nil {
		return State{}, fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.clock.Now()
	if len(fields) == 0 {
		return State{ErrorsRemaining: defaultErrorsRemaining, LastUpdate: now}, nil
	}

	remaining, err := strconv.Atoi(fields[fieldErrorsRemaining])
	if err != nil {
		return State{}, fmt.Errorf("parse %s: %w", fieldErrorsRemaining, err)
	}
	resetAt, err := strconv.ParseInt(fields[fieldResetAt], 10, 64)
	if err != nil {
		return State{}, fmt.Errorf("parse %s: %w", fieldResetAt, err)
	}
	lastUpdate, err := strconv.ParseInt(fields[fieldLastUpdate], 10, 64)
	if err != nil {
		return State{}, fmt.Errorf("parse %s: %w", fieldLastUpdate, err)
	}

	state := State{
		ErrorsRemaining: remaining,
		ResetAt:         time.Unix(resetAt, 0),
		LastUpdate:      time.Unix(0, lastUpdate),
	}
	if state.Expired(now) {
		t.logger.Debug().Msg("Stored error limit window expired, assuming healthy state")
		return State{ErrorsRemaining: defaultErrorsRemaining, LastUpdate: now}, nil
	}
	return state, nil
}

// Observe records the error limit headers of an ESI response. Responses
// without the headers are ignored.
func (t *Tracker) Observe(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-ESI-Error-Limit-Remain")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-ESI-Error-Limit-Remain header: %w", err)
	}

	resetStr := headers.Get("X-ESI-Error-Limit-Reset")
	if resetStr == "" {
		return fmt.Errorf("X-ESI-Error-Limit-Reset header missing")
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse X-ESI-Error-Limit-Reset header: %w", err)
	}

	now := t.clock.Now()
	window := time.Duration(resetSeconds) * time.Second
	state := State{
		ErrorsRemaining: remain,
		ResetAt:         now.Add(window),
		LastUpdate:      now,
	}

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, t.key,
		fieldErrorsRemaining, remain,
		fieldResetAt, state.ResetAt.Unix(),
		fieldLastUpdate, now.UnixNano(),
	)
	// The state is worthless once the window reset.
	pipe.Expire(ctx, t.key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	esiErrorsRemaining.Set(float64(remain))

	switch level := state.Level(); level {
	case LevelCritical:
		t.logger.Error().
			Int("errors_remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("ESI error limit CRITICAL - requests will be blocked")
	case LevelWarning:
		t.logger.Warn().
			Int("errors_remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("ESI error limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("errors_remaining", remain).
			Time("reset_at", state.ResetAt).
			Str("level", level.String()).
			Msg("ESI error limit state updated")
	}

	return nil
}

// Allow gates a request. It returns an error wrapping ErrBlocked while the
// error limit is critical and delays the caller in the warning range.
func (t *Tracker) Allow(ctx context.Context) error {
	state, err := t.State(ctx)
	if err != nil {
		return err
	}

	switch state.Level() {
	case LevelCritical:
		wait := state.ResetIn(t.clock.Now())
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("wait_duration", wait).
			Msg("ESI error limit critical - blocking request")
		esiRateLimitBlocksTotal.Inc()
		return fmt.Errorf("%w (resets in %s)", ErrBlocked, wait)

	case LevelWarning:
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("delay", t.throttle).
			Msg("ESI error limit warning - throttling request")
		esiRateLimitThrottlesTotal.Inc()

		timer := t.clock.Timer(t.throttle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
