// Package relay connects the pipeline stages: the change-feed relay turns
// stored transaction inserts into queued scoring work, and the result relay
// turns scoring results into durable score updates and observer alerts.
package relay

import (
	"encoding/json"
	"time"
)

// DefaultBroadcastThreshold is the minimum risk score at which an analyzed
// transaction is pushed to observers.
const DefaultBroadcastThreshold = 0.5

// ResultDedupSuffix distinguishes a result message's idempotency key from the
// work message of the same transaction.
const ResultDedupSuffix = "-result"

// ScoringResult is the result-queue payload published by the scoring worker
// for each analyzed transaction.
type ScoringResult struct {
	TransactionID  string          `json:"transaction_id"`
	RiskScore      float64         `json:"risk_score"`
	RiskPrediction bool            `json:"risk_prediction"`
	RiskTier       string          `json:"risk_level"`
	Explanation    json.RawMessage `json:"explanation,omitempty"`
	ModelVersion   string          `json:"model_version"`
	PredictedAt    time.Time       `json:"prediction_timestamp"`
}

// Broadcaster pushes an event to all connected observers.
type Broadcaster interface {
	Broadcast(event any)
}
