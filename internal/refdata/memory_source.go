package refdata

import (
	"context"
	"sync"
)

// MemorySource is an in-memory implementation of Source for demo/test use.
type MemorySource struct {
	mu             sync.RWMutex
	clients        []ClientProfile
	counterparties []CounterpartyProfile
	stats          []ClientRunningStats
	buckets        []ActivityBucket
}

// NewMemorySource creates an empty in-memory reference data source.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// SetClients replaces the client profile dataset.
func (s *MemorySource) SetClients(rows []ClientProfile) {
	s.mu.Lock()
	s.clients = append([]ClientProfile(nil), rows...)
	s.mu.Unlock()
}

// SetCounterparties replaces the counterparty profile dataset.
func (s *MemorySource) SetCounterparties(rows []CounterpartyProfile) {
	s.mu.Lock()
	s.counterparties = append([]CounterpartyProfile(nil), rows...)
	s.mu.Unlock()
}

// SetRunningStats replaces the running statistics dataset.
func (s *MemorySource) SetRunningStats(rows []ClientRunningStats) {
	s.mu.Lock()
	s.stats = append([]ClientRunningStats(nil), rows...)
	s.mu.Unlock()
}

// SetActivityBuckets replaces the recent-activity dataset.
func (s *MemorySource) SetActivityBuckets(rows []ActivityBucket) {
	s.mu.Lock()
	s.buckets = append([]ActivityBucket(nil), rows...)
	s.mu.Unlock()
}

func (s *MemorySource) Clients(ctx context.Context) ([]ClientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ClientProfile(nil), s.clients...), nil
}

func (s *MemorySource) Counterparties(ctx context.Context) ([]CounterpartyProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CounterpartyProfile(nil), s.counterparties...), nil
}

func (s *MemorySource) RunningStats(ctx context.Context) ([]ClientRunningStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ClientRunningStats(nil), s.stats...), nil
}

func (s *MemorySource) ActivityBuckets(ctx context.Context) ([]ActivityBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ActivityBucket(nil), s.buckets...), nil
}
