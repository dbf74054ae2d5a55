package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/queue"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// capturePublisher records published messages, optionally failing first.
type capturePublisher struct {
	mu        sync.Mutex
	published []queue.Message
	failures  int
}

func (p *capturePublisher) Publish(ctx context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *capturePublisher) messages() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.published...)
}

// captureHub records broadcast events.
type captureHub struct {
	mu     sync.Mutex
	events []any
}

func (h *captureHub) Broadcast(event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *captureHub) all() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.events...)
}

func startedTx(id string) transactions.Transaction {
	return transactions.Transaction{
		ID:                    id,
		MovementType:          "TRANSFER",
		TxType:                "ONLINE",
		ClientAccountID:       "client-1",
		CounterpartyAccountID: "cp-1",
		Amount:                500,
		CreatedAt:             "2024-07-20 10:00:00",
		Status:                transactions.StatusStarted,
	}
}

func testChangeFeedRelay(work queue.Publisher, hub Broadcaster) *ChangeFeedRelay {
	r := NewChangeFeedRelay(nil, work, hub, slog.Default())
	r.baseDelay = time.Millisecond
	return r
}

func TestChangeFeedRelay_InsertForwarded(t *testing.T) {
	work := &capturePublisher{}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	err := r.handle(context.Background(), transactions.ChangeEvent{
		Type:        transactions.EventInsert,
		Transaction: startedTx("tx-1"),
	})
	require.NoError(t, err)

	msgs := work.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tx-1", msgs[0].Key)
	assert.Equal(t, "tx-1", msgs[0].DedupID)

	var tx transactions.Transaction
	require.NoError(t, json.Unmarshal(msgs[0].Body, &tx))
	assert.Equal(t, 500.0, tx.Amount)

	events := hub.all()
	require.Len(t, events, 1)
	payload, ok := events[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "new_transaction", payload["type"])
	assert.Equal(t, transactions.StatusStarted, payload["status"])
	assert.Equal(t, "tx-1", payload["transaction_id"])
}

func TestChangeFeedRelay_ModifySkipped(t *testing.T) {
	work := &capturePublisher{}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	err := r.handle(context.Background(), transactions.ChangeEvent{
		Type:        transactions.EventModify,
		Transaction: startedTx("tx-1"),
	})
	require.NoError(t, err)

	assert.Empty(t, work.messages())
	assert.Empty(t, hub.all())
}

func TestChangeFeedRelay_AnalyzedSkipped(t *testing.T) {
	work := &capturePublisher{}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	tx := startedTx("tx-1")
	tx.Status = transactions.StatusAnalyzed
	err := r.handle(context.Background(), transactions.ChangeEvent{
		Type:        transactions.EventInsert,
		Transaction: tx,
	})
	require.NoError(t, err)

	assert.Empty(t, work.messages())
	assert.Empty(t, hub.all())
}

func TestChangeFeedRelay_RetriesTransientPublishFailure(t *testing.T) {
	work := &capturePublisher{failures: 2}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	err := r.handle(context.Background(), transactions.ChangeEvent{
		Type:        transactions.EventInsert,
		Transaction: startedTx("tx-1"),
	})
	require.NoError(t, err)

	assert.Len(t, work.messages(), 1)
	assert.Len(t, hub.all(), 1)
}

func TestChangeFeedRelay_ExhaustedPublishSurfacesError(t *testing.T) {
	work := &capturePublisher{failures: 100}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	// The failure must surface so the event stays alive for redelivery
	// instead of being acknowledged and lost.
	err := r.handle(context.Background(), transactions.ChangeEvent{
		Type:        transactions.EventInsert,
		Transaction: startedTx("tx-1"),
	})
	require.Error(t, err)

	assert.Empty(t, work.messages())
	assert.Empty(t, hub.all(), "observers must not see a transaction that never entered the queue")
}

func TestChangeFeedRelay_SustainedOutageRetriesUntilSuccess(t *testing.T) {
	// Fail more publishes than one handle attempt covers: the first handle
	// call exhausts its bounded retries, and deliver keeps the event alive
	// until the queue recovers.
	work := &capturePublisher{failures: 7}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	r.deliver(context.Background(), transactions.ChangeEvent{
		Type:        transactions.EventInsert,
		Transaction: startedTx("tx-1"),
	})

	require.Len(t, work.messages(), 1)
	require.Len(t, hub.all(), 1)
}

func TestChangeFeedRelay_DeliverStopsOnCancel(t *testing.T) {
	work := &capturePublisher{failures: 1 << 30}
	hub := &captureHub{}
	r := testChangeFeedRelay(work, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.deliver(ctx, transactions.ChangeEvent{
			Type:        transactions.EventInsert,
			Transaction: startedTx("tx-1"),
		})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not stop after cancel")
	}
	assert.Empty(t, hub.all())
}

func TestChangeFeedRelay_RunConsumesFeed(t *testing.T) {
	store := transactions.NewMemoryStore()
	work := &capturePublisher{}
	hub := &captureHub{}
	r := NewChangeFeedRelay(store, work, hub, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	tx := startedTx("tx-1")
	require.NoError(t, store.Insert(ctx, &tx))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(work.messages()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, work.messages(), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
