package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/queue"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func testResultRelay(store transactions.Store, hub Broadcaster, threshold float64) *ResultRelay {
	r := NewResultRelay(store, nil, hub, threshold, slog.Default())
	r.now = func() time.Time {
		return time.Date(2024, 7, 20, 10, 0, 5, 0, time.UTC)
	}
	return r
}

func resultMsg(t *testing.T, result ScoringResult) queue.Message {
	t.Helper()
	body, err := json.Marshal(result)
	require.NoError(t, err)
	return queue.Message{
		Key:     result.TransactionID,
		DedupID: result.TransactionID + ResultDedupSuffix,
		Body:    body,
	}
}

func TestResultRelay_PersistsAndBroadcastsHighRisk(t *testing.T) {
	store := transactions.NewMemoryStore()
	tx := startedTx("tx-1")
	require.NoError(t, store.Insert(context.Background(), &tx))

	hub := &captureHub{}
	r := testResultRelay(store, hub, 0.5)

	result := ScoringResult{
		TransactionID:  "tx-1",
		RiskScore:      0.5, // at the threshold, inclusive
		RiskPrediction: true,
		RiskTier:       "HIGH",
		Explanation:    json.RawMessage(`{"base_risk":-1.2}`),
		ModelVersion:   "classifier_2024-07-15T10-30-00.json",
	}
	require.NoError(t, r.Handle(context.Background(), resultMsg(t, result)))

	stored, err := store.Get(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.True(t, stored.Analyzed())
	require.NotNil(t, stored.RiskScore)
	assert.Equal(t, 0.5, *stored.RiskScore)
	assert.Equal(t, "2024-07-20 10:00:05", stored.UpdatedAt)
	assert.Equal(t, "2024-07-20 10:00:05", stored.LastStatusAt)

	events := hub.all()
	require.Len(t, events, 1)
	payload, ok := events[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "analyzed_transaction", payload["type"])
	assert.Equal(t, transactions.StatusAnalyzed, payload["status"])
	assert.Equal(t, 0.5, payload["risk_score"])
	assert.Equal(t, "client-1", payload["client_account_id"])
}

func TestResultRelay_LowRiskPersistedNotBroadcast(t *testing.T) {
	store := transactions.NewMemoryStore()
	tx := startedTx("tx-1")
	require.NoError(t, store.Insert(context.Background(), &tx))

	hub := &captureHub{}
	r := testResultRelay(store, hub, 0.5)

	result := ScoringResult{
		TransactionID: "tx-1",
		RiskScore:     0.49,
		RiskTier:      "MEDIUM",
	}
	require.NoError(t, r.Handle(context.Background(), resultMsg(t, result)))

	stored, err := store.Get(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.True(t, stored.Analyzed(), "suppressed broadcasts still persist")
	assert.Empty(t, hub.all())
}

func TestResultRelay_UnknownTransactionDropped(t *testing.T) {
	hub := &captureHub{}
	r := testResultRelay(transactions.NewMemoryStore(), hub, 0.5)

	// nil error means the message is acknowledged, not redelivered.
	err := r.Handle(context.Background(), resultMsg(t, ScoringResult{
		TransactionID: "ghost",
		RiskScore:     0.9,
	}))
	assert.NoError(t, err)
	assert.Empty(t, hub.all())
}

func TestResultRelay_MalformedDropped(t *testing.T) {
	hub := &captureHub{}
	r := testResultRelay(transactions.NewMemoryStore(), hub, 0.5)

	err := r.Handle(context.Background(), queue.Message{Key: "x", Body: []byte("{not json")})
	assert.NoError(t, err)

	err = r.Handle(context.Background(), queue.Message{Key: "x", Body: []byte(`{"risk_score":0.9}`)})
	assert.NoError(t, err)
	assert.Empty(t, hub.all())
}

func TestResultRelay_RedeliveryConverges(t *testing.T) {
	store := transactions.NewMemoryStore()
	tx := startedTx("tx-1")
	require.NoError(t, store.Insert(context.Background(), &tx))

	hub := &captureHub{}
	r := testResultRelay(store, hub, 0.5)

	msg := resultMsg(t, ScoringResult{TransactionID: "tx-1", RiskScore: 0.8, RiskPrediction: true})
	require.NoError(t, r.Handle(context.Background(), msg))
	first, err := store.Get(context.Background(), "tx-1")
	require.NoError(t, err)

	require.NoError(t, r.Handle(context.Background(), msg))
	second, err := store.Get(context.Background(), "tx-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResultRelay_DefaultThreshold(t *testing.T) {
	r := NewResultRelay(transactions.NewMemoryStore(), nil, &captureHub{}, 0, slog.Default())
	assert.Equal(t, DefaultBroadcastThreshold, r.threshold)

	r = NewResultRelay(transactions.NewMemoryStore(), nil, &captureHub{}, 0.75, slog.Default())
	assert.Equal(t, 0.75, r.threshold)
}
