//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_State(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	// Default state while Redis is empty
	state, err := tracker.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.ErrorsRemaining != 100 {
		t.Errorf("Default ErrorsRemaining = %d, want 100", state.ErrorsRemaining)
	}
	if state.Level() != LevelHealthy {
		t.Errorf("Default level = %v, want healthy", state.Level())
	}

	if err := tracker.Observe(ctx, limitHeaders("75", "120")); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	state, err = tracker.State(ctx)
	if err != nil {
		t.Fatalf("State() after update error = %v", err)
	}
	if state.ErrorsRemaining != 75 {
		t.Errorf("ErrorsRemaining = %d, want 75", state.ErrorsRemaining)
	}

	tolerance := 5 * time.Second
	if resetIn := state.ResetIn(time.Now()); resetIn < 120*time.Second-tolerance || resetIn > 120*time.Second {
		t.Errorf("ResetIn = %v, want approximately 120s", resetIn)
	}

	ttl, err := redisClient.TTL(ctx, DefaultRedisKey).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > 121*time.Second {
		t.Errorf("key TTL = %v, want at most 121s", ttl)
	}
}

func TestTracker_Integration_SharedAcrossTrackers(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	writer := NewTracker(redisClient, logger)
	reader := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := writer.Observe(ctx, limitHeaders("3", "60")); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	if err := reader.Allow(ctx); !errors.Is(err, ErrBlocked) {
		t.Errorf("Allow() error = %v, want ErrBlocked", err)
	}
}

func TestTracker_Integration_Allow(t *testing.T) {
	tests := []struct {
		name        string
		remain      string
		wantBlocked bool
		minDelay    time.Duration
		maxDelay    time.Duration
	}{
		{"healthy passes immediately", "90", false, 0, 100 * time.Millisecond},
		{"warning throttles", "15", false, 200 * time.Millisecond, 2 * time.Second},
		{"critical blocks", "2", true, 0, 100 * time.Millisecond},
	}

	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger, WithThrottleDelay(200*time.Millisecond))
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tracker.Observe(ctx, limitHeaders(tt.remain, "60")); err != nil {
				t.Fatalf("Observe() error = %v", err)
			}

			start := time.Now()
			err := tracker.Allow(ctx)
			elapsed := time.Since(start)

			if tt.wantBlocked != errors.Is(err, ErrBlocked) {
				t.Errorf("Allow() error = %v, wantBlocked %v", err, tt.wantBlocked)
			}
			if !tt.wantBlocked && err != nil {
				t.Errorf("Allow() unexpected error = %v", err)
			}
			if elapsed < tt.minDelay || elapsed > tt.maxDelay {
				t.Errorf("Allow() took %v, want between %v and %v", elapsed, tt.minDelay, tt.maxDelay)
			}
		})
	}
}

func TestTracker_Integration_WindowReset(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := tracker.Observe(ctx, limitHeaders("3", "1")); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if err := tracker.Allow(ctx); !errors.Is(err, ErrBlocked) {
		t.Fatalf("Allow() error = %v, want ErrBlocked", err)
	}

	time.Sleep(2500 * time.Millisecond)

	if err := tracker.Allow(ctx); err != nil {
		t.Errorf("Allow() after window reset error = %v", err)
	}
}
