// Package queue provides the ordered work and result queues between pipeline
// stages: per-key FIFO, at-least-once delivery, and bounded-window
// deduplication by a caller-supplied idempotency key.
package queue

import "context"

// Message is one queue entry. Messages sharing a Key are delivered in
// publish order relative to each other; messages with different keys have no
// relative ordering guarantee.
type Message struct {
	Key     string `json:"key"`      // grouping key, here the transaction id
	DedupID string `json:"dedup_id"` // idempotency key within the dedup window
	Body    []byte `json:"body"`
}

// Publisher enqueues messages.
type Publisher interface {
	// Publish enqueues a message. A message whose DedupID was already
	// published within the dedup window is silently dropped.
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivered message. Returning an error triggers
// redelivery; the message is not acknowledged.
type Handler func(ctx context.Context, msg Message) error

// Consumer delivers queued messages to a handler.
type Consumer interface {
	// Consume runs the delivery loop until ctx is cancelled. Delivery is
	// at-least-once: handlers must be idempotent.
	Consume(ctx context.Context, handler Handler) error
}
