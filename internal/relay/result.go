package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/queue"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// ResultRelay consumes scoring results, persists the score fields onto the
// transaction record, and alerts observers about transactions at or above the
// broadcast threshold. The persistence write is value-stable, so redelivered
// results converge instead of conflicting.
type ResultRelay struct {
	store     transactions.Store
	results   queue.Consumer
	hub       Broadcaster
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

// NewResultRelay creates a result relay. A non-positive threshold falls back
// to DefaultBroadcastThreshold.
func NewResultRelay(store transactions.Store, results queue.Consumer, hub Broadcaster, threshold float64, logger *slog.Logger) *ResultRelay {
	if threshold <= 0 {
		threshold = DefaultBroadcastThreshold
	}
	return &ResultRelay{
		store:     store,
		results:   results,
		hub:       hub,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Run consumes the result queue until ctx is cancelled.
func (r *ResultRelay) Run(ctx context.Context) error {
	r.logger.Info("result relay started", "broadcast_threshold", r.threshold)
	return r.results.Consume(ctx, r.Handle)
}

// Handle processes one scoring result. Returning an error leaves the message
// unacknowledged for redelivery; malformed or orphaned results are dropped.
func (r *ResultRelay) Handle(ctx context.Context, msg queue.Message) error {
	var result ScoringResult
	if err := json.Unmarshal(msg.Body, &result); err != nil {
		r.logger.Error("malformed scoring result dropped", "key", msg.Key, "error", err)
		return nil
	}
	if result.TransactionID == "" {
		r.logger.Error("scoring result without transaction id dropped", "key", msg.Key)
		return nil
	}

	tx, err := r.store.Get(ctx, result.TransactionID)
	if err != nil {
		if errors.Is(err, transactions.ErrNotFound) {
			// The record is gone; retrying cannot bring it back.
			r.logger.Warn("scoring result for unknown transaction dropped",
				"transaction_id", result.TransactionID,
			)
			return nil
		}
		return fmt.Errorf("load transaction %s: %w", result.TransactionID, err)
	}

	now := r.now().UTC().Format(transactions.TimeLayout)
	upd := transactions.ScoreUpdate{
		TransactionID:  result.TransactionID,
		RiskScore:      result.RiskScore,
		RiskPrediction: result.RiskPrediction,
		Explanation:    result.Explanation,
		ModelVersion:   result.ModelVersion,
		UpdatedAt:      now,
		LastStatusAt:   now,
	}
	if err := r.store.UpdateScore(ctx, upd); err != nil {
		if errors.Is(err, transactions.ErrNotFound) {
			r.logger.Warn("transaction vanished before score update",
				"transaction_id", result.TransactionID,
			)
			return nil
		}
		return fmt.Errorf("persist score for %s: %w", result.TransactionID, err)
	}

	r.logger.Info("score persisted",
		"transaction_id", result.TransactionID,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskTier,
	)

	if result.RiskScore >= r.threshold {
		r.hub.Broadcast(AnalyzedTransactionEvent(&result, tx))
		metrics.BroadcastsTotal.WithLabelValues(realtime.EventAnalyzedTransaction).Inc()
	}
	return nil
}

// AnalyzedTransactionEvent builds the observer payload for a flagged
// transaction.
func AnalyzedTransactionEvent(result *ScoringResult, tx *transactions.Transaction) map[string]any {
	return map[string]any{
		"type":              realtime.EventAnalyzedTransaction,
		"status":            transactions.StatusAnalyzed,
		"transaction_id":    result.TransactionID,
		"risk_score":        result.RiskScore,
		"risk_prediction":   result.RiskPrediction,
		"client_account_id": tx.ClientAccountID,
		"amount":            tx.Amount,
	}
}
