package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process Publisher/Consumer pair for demo/test use.
// Each grouping key gets its own FIFO channel drained by a dedicated
// goroutine, so redelivery of one key never interleaves with itself while
// different keys process in parallel. A failing message is retried with
// backoff in place, blocking only its own key.
type MemoryQueue struct {
	deduper Deduper
	logger  *slog.Logger

	mu      sync.Mutex
	keys    map[string]chan Message
	handler Handler
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewMemoryQueue creates an in-memory per-key FIFO queue.
func NewMemoryQueue(deduper Deduper, logger *slog.Logger) *MemoryQueue {
	return &MemoryQueue{
		deduper: deduper,
		logger:  logger,
		keys:    make(map[string]chan Message),
	}
}

// Publish implements Publisher.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if q.deduper != nil && msg.DedupID != "" {
		seen, err := q.deduper.Seen(ctx, msg.DedupID)
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		if seen {
			q.logger.Debug("duplicate message dropped", "dedup_id", msg.DedupID)
			return nil
		}
	}

	q.mu.Lock()
	ch, ok := q.keys[msg.Key]
	if !ok {
		ch = make(chan Message, 256)
		q.keys[msg.Key] = ch
		if q.handler != nil {
			q.startWorkerLocked(msg.Key, ch)
		}
	}
	q.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	default:
		// Release the claimed dedup id: the send failed, so a retried
		// publish must not be mistaken for a duplicate.
		if q.deduper != nil && msg.DedupID != "" {
			_ = q.deduper.Forget(ctx, msg.DedupID)
		}
		return fmt.Errorf("queue full for key %s", msg.Key)
	}
}

// Consume implements Consumer. It returns once ctx is cancelled and all key
// workers have drained.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue already has a consumer")
	}
	q.handler = handler
	q.ctx = ctx
	for key, ch := range q.keys {
		q.startWorkerLocked(key, ch)
	}
	q.mu.Unlock()

	<-ctx.Done()
	q.wg.Wait()
	return ctx.Err()
}

// startWorkerLocked launches the per-key delivery goroutine. Caller holds
// q.mu and has set q.handler and q.ctx.
func (q *MemoryQueue) startWorkerLocked(key string, ch chan Message) {
	handler := q.handler
	ctx := q.ctx
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				q.deliver(ctx, handler, msg)
			}
		}
	}()
}

// deliver retries a message in place until it succeeds or ctx ends,
// preserving the key's FIFO order.
func (q *MemoryQueue) deliver(ctx context.Context, handler Handler, msg Message) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		err := handler(ctx, msg)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		q.logger.Warn("message processing failed, redelivering",
			"key", msg.Key,
			"dedup_id", msg.DedupID,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
