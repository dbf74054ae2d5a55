// Package model owns the trained risk classifier, its feature transformer,
// and the explainer derived from it. Artifacts are versioned files on disk;
// the newest consistent set is loaded lazily, once per predictor lifetime.
package model

import (
	"errors"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
)

// Tier is the discrete risk bucket derived from the risk probability.
type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierVeryHigh Tier = "VERY_HIGH"
)

// TierFor buckets a probability into a risk tier. The MEDIUM/HIGH boundary
// values are asymmetric with the tier names; they are kept as documented.
func TierFor(probability float64) Tier {
	switch {
	case probability < 0.1:
		return TierLow
	case probability < 0.2:
		return TierMedium
	case probability < 0.8:
		return TierHigh
	default:
		return TierVeryHigh
	}
}

// Artifact loading errors. All are fatal for the worker instance: the caller
// retries by re-invocation, never by silently defaulting.
var (
	ErrNoArtifacts     = errors.New("no model artifacts found")
	ErrVersionMismatch = errors.New("model artifact versions do not match")
)

// Input is one transaction-plus-features row for batch prediction.
type Input struct {
	TransactionID string
	Features      features.FeatureSet
}

// Factor is one signed per-feature attribution in an explanation.
type Factor struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	Impact    string  `json:"impact"` // increases_risk | decreases_risk
	Magnitude float64 `json:"magnitude"`
}

// Impact labels for explanation factors.
const (
	ImpactIncreases = "increases_risk"
	ImpactDecreases = "decreases_risk"
)

// Explanation is the ranked attribution payload for one prediction. Factors
// are sorted by descending magnitude. A failed explanation degrades to an
// empty factor list with Error set; the numeric prediction is unaffected.
type Explanation struct {
	TopRiskFactors []Factor `json:"top_risk_factors"`
	BaseRisk       float64  `json:"base_risk"`
	TotalFeatures  int      `json:"total_features_analyzed"`
	Error          string   `json:"error,omitempty"`
}

// Prediction is the scoring outcome for one input row.
type Prediction struct {
	TransactionID   string      `json:"transaction_id"`
	RiskProbability float64     `json:"risk_probability"`
	RiskPrediction  bool        `json:"risk_prediction"`
	RiskTier        Tier        `json:"risk_level"`
	Explanation     Explanation `json:"explanation"`
	ModelVersion    string      `json:"model_version"`
	PredictedAt     time.Time   `json:"prediction_timestamp"`
}
