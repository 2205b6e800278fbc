package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/esi-pagestream/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// scanBatch is the COUNT hint used when scanning for the pages of a listing.
const scanBatch = 100

// DefaultRevalidateWindow is how long an entry is kept in Redis after it
// expired, so it can still be revalidated with a conditional request.
const DefaultRevalidateWindow = 10 * time.Minute

// Manager stores ESI pages in Redis.
type Manager struct {
	redis      redis.UniversalClient
	logger     zerolog.Logger
	revalidate time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRevalidateWindow sets how long expired entries stay available for
// revalidation. Zero evicts entries as soon as they expire.
func WithRevalidateWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.revalidate = d
	}
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient redis.UniversalClient, opts ...ManagerOption) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	m := &Manager{
		redis:      redisClient,
		logger:     logging.NewLogger("page-cache"),
		revalidate: DefaultRevalidateWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a fresh cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	entry, err := m.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.IsExpired() {
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// Lookup retrieves a cache entry by key, including an expired entry that is
// still inside the revalidation window. Only a fresh entry counts as a hit.
func (m *Manager) Lookup(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			Misses.Inc()
			return nil, ErrCacheMiss
		}
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		Misses.Inc()
	} else {
		Hits.Inc()
	}
	return &entry, nil
}

// Set stores a cache entry. Redis keeps it for the time left until Expires
// plus the revalidation window. Entries that already expired are not stored.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		Errors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl+m.revalidate).Err(); err != nil {
		Errors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		Errors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// UpdateTTL updates the expiry of an existing, possibly expired entry.
// This is useful when receiving a 304 Not Modified response with a new expires header.
func (m *Manager) UpdateTTL(ctx context.Context, key Key, newExpires time.Time) error {
	entry, err := m.Lookup(ctx, key)
	if err != nil {
		return err
	}

	entry.Expires = newExpires
	return m.Set(ctx, key, entry)
}

// InvalidatePages deletes every cached page of the listing key belongs to,
// except key itself, and returns the number of deleted pages. It is called
// when a page was refreshed, because the other cached pages then belong to
// an older snapshot of the listing.
func (m *Manager) InvalidatePages(ctx context.Context, key Key) (int, error) {
	keep := key.String()
	var stale []string

	iter := m.redis.Scan(ctx, 0, key.PagesPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); k != keep {
			stale = append(stale, k)
		}
	}
	if err := iter.Err(); err != nil {
		Errors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("redis scan: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	deleted, err := m.redis.Del(ctx, stale...).Result()
	if err != nil {
		Errors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("redis del: %w", err)
	}

	Invalidated.Add(float64(deleted))
	m.logger.Debug().
		Str("endpoint", key.Endpoint).
		Int64("pages", deleted).
		Msg("Invalidated cached pages")

	return int(deleted), nil
}
