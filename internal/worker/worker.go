// Package worker runs the scoring stage: it consumes queued transactions,
// derives features, scores them against the loaded model, persists the
// outcome, and publishes a result message for downstream relays.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/queue"
	"github.com/mbd888/fraudwatch/internal/refdata"
	"github.com/mbd888/fraudwatch/internal/relay"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// ScoringWorker scores transactions delivered from the work queue. Reference
// data and model artifacts load lazily on the first message and are reused
// for the worker's lifetime; load failures surface as handler errors so the
// message redelivers once the dependency recovers.
type ScoringWorker struct {
	work    queue.Consumer
	results queue.Publisher
	store   transactions.Store
	cache   *refdata.Cache
	engine  *features.Engine
	model   *model.Predictor
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a ScoringWorker.
type Option func(*ScoringWorker)

// WithClock overrides the worker's persistence timestamp source (for tests).
func WithClock(now func() time.Time) Option {
	return func(w *ScoringWorker) { w.now = now }
}

// NewScoringWorker creates a scoring worker.
func NewScoringWorker(
	work queue.Consumer,
	results queue.Publisher,
	store transactions.Store,
	cache *refdata.Cache,
	engine *features.Engine,
	predictor *model.Predictor,
	logger *slog.Logger,
	opts ...Option,
) *ScoringWorker {
	w := &ScoringWorker{
		work:    work,
		results: results,
		store:   store,
		cache:   cache,
		engine:  engine,
		model:   predictor,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the work queue until ctx is cancelled.
func (w *ScoringWorker) Run(ctx context.Context) error {
	w.logger.Info("scoring worker started")
	return w.work.Consume(ctx, w.Handle)
}

// Handle scores one queued transaction. Returning an error leaves the message
// unacknowledged for redelivery; malformed payloads are dropped.
func (w *ScoringWorker) Handle(ctx context.Context, msg queue.Message) error {
	started := time.Now()

	var tx transactions.Transaction
	if err := json.Unmarshal(msg.Body, &tx); err != nil {
		w.logger.Error("malformed work message dropped", "key", msg.Key, "error", err)
		return nil
	}
	if tx.ID == "" {
		w.logger.Error("work message without transaction id dropped", "key", msg.Key)
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "worker.score",
		traces.TransactionID(tx.ID),
		traces.ClientAccountID(tx.ClientAccountID),
	)
	defer span.End()

	// Reference data and model are hard dependencies: without them the
	// message must come back later rather than score garbage.
	snap, err := w.cache.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load reference data: %w", err)
	}

	outcome := w.engine.Compute(&tx, snap)
	if outcome.Degraded {
		metrics.FeatureDegradationsTotal.WithLabelValues(outcome.Reason).Inc()
	}

	predictions, err := w.model.Predict(ctx, []model.Input{{
		TransactionID: tx.ID,
		Features:      outcome.Features,
	}})
	if err != nil {
		return fmt.Errorf("score transaction %s: %w", tx.ID, err)
	}
	prediction := predictions[0]

	explanation, err := json.Marshal(prediction.Explanation)
	if err != nil {
		return fmt.Errorf("serialize explanation for %s: %w", tx.ID, err)
	}

	now := w.now().UTC().Format(transactions.TimeLayout)
	upd := transactions.ScoreUpdate{
		TransactionID:  tx.ID,
		RiskScore:      prediction.RiskProbability,
		RiskPrediction: prediction.RiskPrediction,
		Explanation:    explanation,
		ModelVersion:   prediction.ModelVersion,
		UpdatedAt:      now,
		LastStatusAt:   now,
	}
	if err := w.store.UpdateScore(ctx, upd); err != nil {
		if errors.Is(err, transactions.ErrNotFound) {
			// The record is gone; redelivering cannot bring it back.
			w.logger.Warn("transaction vanished before score update", "transaction_id", tx.ID)
			return nil
		}
		return fmt.Errorf("persist score for %s: %w", tx.ID, err)
	}

	if err := w.publishResult(ctx, &prediction, explanation); err != nil {
		return err
	}

	span.SetAttributes(
		traces.RiskScore(prediction.RiskProbability),
		traces.RiskTier(string(prediction.RiskTier)),
		traces.ModelVersion(prediction.ModelVersion),
	)
	metrics.TransactionsScoredTotal.WithLabelValues(string(prediction.RiskTier)).Inc()
	metrics.ScoringDuration.Observe(time.Since(started).Seconds())

	w.logger.Info("transaction scored",
		"transaction_id", tx.ID,
		"risk_score", prediction.RiskProbability,
		"risk_level", prediction.RiskTier,
		"degraded_features", outcome.Degraded,
		"model_version", prediction.ModelVersion,
	)
	return nil
}

// publishResult forwards the prediction to the result queue. The dedup id
// carries a suffix so a transaction's result never collides with its own work
// message inside a shared dedup window.
func (w *ScoringWorker) publishResult(ctx context.Context, p *model.Prediction, explanation json.RawMessage) error {
	result := relay.ScoringResult{
		TransactionID:  p.TransactionID,
		RiskScore:      p.RiskProbability,
		RiskPrediction: p.RiskPrediction,
		RiskTier:       string(p.RiskTier),
		Explanation:    explanation,
		ModelVersion:   p.ModelVersion,
		PredictedAt:    p.PredictedAt,
	}

	body, err := json.Marshal(&result)
	if err != nil {
		return fmt.Errorf("serialize result for %s: %w", p.TransactionID, err)
	}

	msg := queue.Message{
		Key:     p.TransactionID,
		DedupID: p.TransactionID + relay.ResultDedupSuffix,
		Body:    body,
	}
	if err := w.results.Publish(ctx, msg); err != nil {
		metrics.QueuePublishesTotal.WithLabelValues("results", "error").Inc()
		return fmt.Errorf("publish result for %s: %w", p.TransactionID, err)
	}
	metrics.QueuePublishesTotal.WithLabelValues("results", "ok").Inc()
	return nil
}
