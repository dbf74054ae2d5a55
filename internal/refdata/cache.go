package refdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Cache holds one reference-data snapshot per worker lifetime. The first
// Snapshot call loads all four datasets; later calls reuse the loaded view
// until Invalidate. A failed load is not cached, so the next call retries.
//
// The cache is an explicit dependency passed into the worker, not ambient
// package state: tests and reload hooks control it directly.
type Cache struct {
	source Source
	logger *slog.Logger

	mu   sync.Mutex
	snap *Snapshot
}

// NewCache creates a lazy reference-data cache over the given source.
func NewCache(source Source, logger *slog.Logger) *Cache {
	return &Cache{source: source, logger: logger}
}

// Snapshot returns the cached snapshot, loading it on first use.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap != nil {
		return c.snap, nil
	}

	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.snap = snap
	c.logger.Info("reference data loaded",
		"clients", len(snap.Clients),
		"counterparties", len(snap.Counterparties),
		"running_stats", len(snap.Stats),
		"activity_clients", len(snap.Activity),
	)
	return snap, nil
}

// Invalidate drops the cached snapshot so the next Snapshot call reloads.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// Loaded reports whether a snapshot is currently cached.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap != nil
}

func (c *Cache) load(ctx context.Context) (*Snapshot, error) {
	clients, err := c.source.Clients(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	counterparties, err := c.source.Counterparties(ctx)
	if err != nil {
		return nil, fmt.Errorf("load counterparties: %w", err)
	}
	stats, err := c.source.RunningStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load running stats: %w", err)
	}
	buckets, err := c.source.ActivityBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load activity buckets: %w", err)
	}

	return BuildSnapshot(clients, counterparties, stats, buckets), nil
}
