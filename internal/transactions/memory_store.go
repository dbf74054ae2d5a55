package transactions

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store and Feed for demo/test
// use. Inserts and updates are published synchronously to all subscribers.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*Transaction
	order       []string // insertion order, for List
	subscribers []chan ChangeEvent
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Transaction),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) Insert(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Status == "" {
		tx.Status = StatusStarted
	}
	cp := *tx
	s.records[tx.ID] = &cp
	s.order = append(s.order, tx.ID)

	s.publishLocked(ChangeEvent{Type: EventInsert, Transaction: cp})
	return nil
}

func (s *MemoryStore) UpdateScore(ctx context.Context, upd ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.records[upd.TransactionID]
	if !ok {
		return ErrNotFound
	}

	score := upd.RiskScore
	prediction := upd.RiskPrediction
	tx.Status = StatusAnalyzed
	tx.RiskScore = &score
	tx.RiskPrediction = &prediction
	tx.Explanation = append([]byte(nil), upd.Explanation...)
	tx.ModelVersion = upd.ModelVersion
	tx.UpdatedAt = upd.UpdatedAt
	tx.LastStatusAt = upd.LastStatusAt

	s.publishLocked(ChangeEvent{Type: EventModify, Transaction: *tx})
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Transaction, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *s.records[s.order[i]]
		result = append(result, &cp)
	}

	// Most recent first by creation timestamp, stable on insertion order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt > result[j].CreatedAt
	})
	return result, nil
}

// Subscribe implements Feed. Events published after subscription are
// delivered in order; the channel closes when ctx is cancelled.
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 256)

	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub == ch {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		// Closed under the lock so no publish can race the close.
		close(ch)
	}()

	return ch, nil
}

// publishLocked delivers an event to every subscriber without blocking.
// Caller holds s.mu.
func (s *MemoryStore) publishLocked(ev ChangeEvent) {
	for _, sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber not keeping up; drop rather than block writers.
		}
	}
}
