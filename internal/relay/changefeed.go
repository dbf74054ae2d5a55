package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/queue"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// ChangeFeedRelay consumes the transaction store's change feed and forwards
// each newly inserted, not-yet-analyzed transaction to the work queue, then
// announces it to observers. Score-update modifications never re-enter the
// pipeline here.
type ChangeFeedRelay struct {
	feed      transactions.Feed
	work      queue.Publisher
	hub       Broadcaster
	logger    *slog.Logger
	attempts  int
	baseDelay time.Duration
}

// NewChangeFeedRelay creates a change-feed relay.
func NewChangeFeedRelay(feed transactions.Feed, work queue.Publisher, hub Broadcaster, logger *slog.Logger) *ChangeFeedRelay {
	return &ChangeFeedRelay{
		feed:      feed,
		work:      work,
		hub:       hub,
		logger:    logger,
		attempts:  5,
		baseDelay: 200 * time.Millisecond,
	}
}

// Run consumes the change feed until ctx is cancelled.
func (r *ChangeFeedRelay) Run(ctx context.Context) error {
	events, err := r.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}

	r.logger.Info("change feed relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("change feed relay stopped")
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				r.logger.Info("change feed closed, relay stopping")
				return nil
			}
			r.deliver(ctx, event)
		}
	}
}

// deliver retries one change event in place until it is handled or ctx ends.
// Holding the feed here means a sustained queue outage stalls the stream
// instead of dropping transactions past it.
func (r *ChangeFeedRelay) deliver(ctx context.Context, event transactions.ChangeEvent) {
	backoff := r.baseDelay
	const maxBackoff = 30 * time.Second

	for {
		err := r.handle(ctx, event)
		if err == nil || ctx.Err() != nil {
			return
		}

		r.logger.Warn("change event handling failed, retrying",
			"transaction_id", event.Transaction.ID,
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

// handle forwards one change event. Only inserts of unanalyzed transactions
// become scoring work. A publish failure is returned so the caller can keep
// the event alive; malformed events are dropped.
func (r *ChangeFeedRelay) handle(ctx context.Context, event transactions.ChangeEvent) error {
	if event.Type != transactions.EventInsert {
		return nil
	}

	tx := event.Transaction
	if tx.Analyzed() {
		r.logger.Debug("skipping already analyzed transaction", "transaction_id", tx.ID)
		return nil
	}

	body, err := json.Marshal(&tx)
	if err != nil {
		r.logger.Error("transaction serialization failed", "transaction_id", tx.ID, "error", err)
		return nil
	}

	// The transaction id is both the ordering key and the idempotency key:
	// redeliveries of the same insert collapse to one queued message.
	msg := queue.Message{Key: tx.ID, DedupID: tx.ID, Body: body}
	err = retry.Do(ctx, r.attempts, r.baseDelay, func() error {
		return r.work.Publish(ctx, msg)
	})
	if err != nil {
		metrics.QueuePublishesTotal.WithLabelValues("work", "error").Inc()
		return fmt.Errorf("enqueue transaction %s: %w", tx.ID, err)
	}
	metrics.QueuePublishesTotal.WithLabelValues("work", "ok").Inc()

	r.hub.Broadcast(NewTransactionEvent(&tx))
	metrics.BroadcastsTotal.WithLabelValues(realtime.EventNewTransaction).Inc()

	r.logger.Info("transaction queued for scoring",
		"transaction_id", tx.ID,
		"amount", tx.Amount,
		"client_account_id", tx.ClientAccountID,
	)
	return nil
}

// NewTransactionEvent builds the observer payload for a transaction entering
// the pipeline. Only public record fields are exposed.
func NewTransactionEvent(tx *transactions.Transaction) map[string]any {
	return map[string]any{
		"type":                    realtime.EventNewTransaction,
		"status":                  transactions.StatusStarted,
		"transaction_id":          tx.ID,
		"amount":                  tx.Amount,
		"client_account_id":       tx.ClientAccountID,
		"counterparty_account_id": tx.CounterpartyAccountID,
		"created_at":              tx.CreatedAt,
		"movement_type":           tx.MovementType,
		"tx_type":                 tx.TxType,
	}
}
