package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupWindow bounds how long an idempotency key suppresses
// republication.
const DefaultDedupWindow = 5 * time.Minute

// Deduper tracks idempotency keys within a bounded window. A key only stays
// recorded once the send it guarded actually succeeded: publishers must call
// Forget when the enqueue fails, so the caller's retry is not mistaken for a
// duplicate and silently dropped.
type Deduper interface {
	// Seen records the id and reports whether it was already recorded
	// within the window.
	Seen(ctx context.Context, id string) (bool, error)

	// Forget releases a recorded id after a failed enqueue so a retried
	// publish can claim it again.
	Forget(ctx context.Context, id string) error
}

// MemoryDeduper is an in-process Deduper for single-node and test use.
type MemoryDeduper struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryDeduper creates an in-memory deduper with the given window.
func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MemoryDeduper{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, id string) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.entries[id]; ok && now.Sub(at) < d.window {
		return true, nil
	}
	d.entries[id] = now

	// Opportunistic prune to keep the map bounded.
	if len(d.entries) > 10000 {
		for k, at := range d.entries {
			if now.Sub(at) >= d.window {
				delete(d.entries, k)
			}
		}
	}
	return false, nil
}

func (d *MemoryDeduper) Forget(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
	return nil
}

// RedisDeduper shares the dedup window across publisher instances using
// SET NX with a TTL.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client, window time.Duration) *RedisDeduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisDeduper{
		client: client,
		window: window,
		prefix: "fraudwatch:dedup:",
	}
}

func (d *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", id, err)
	}
	// SetNX returns true when the key was newly set, i.e. not seen before.
	return !ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("dedup release %s: %w", id, err)
	}
	return nil
}
