package model

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/features"
)

func testPredictor(t *testing.T, opts ...Option) *Predictor {
	t.Helper()
	return NewPredictor("testdata/artifacts", slog.Default(), opts...)
}

func TestPredictor_LoadsNewestVersion(t *testing.T) {
	p := testPredictor(t)
	require.NoError(t, p.Load(context.Background()))

	// Two versions exist; the lexicographically greatest timestamp wins.
	assert.Equal(t, "classifier_2024-07-15T10-30-00.json", p.Version())
}

func TestPredictor_VersionBeforeLoad(t *testing.T) {
	p := testPredictor(t)
	assert.Equal(t, "", p.Version())
}

func TestPredictor_MissingCompanions(t *testing.T) {
	p := NewPredictor("testdata/incomplete", slog.Default())
	err := p.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestPredictor_EmptyDir(t *testing.T) {
	p := NewPredictor(t.TempDir(), slog.Default())
	err := p.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestPredictor_FailedLoadRetries(t *testing.T) {
	dir := t.TempDir()
	p := NewPredictor(dir, slog.Default())
	require.Error(t, p.Load(context.Background()))

	// A failed load is not cached; the predictor stays unloaded.
	assert.Equal(t, "", p.Version())
	_, err := p.Predict(context.Background(), []Input{{TransactionID: "tx-1"}})
	assert.Error(t, err)
}

func typicalFeatures() features.FeatureSet {
	return features.FeatureSet{
		MovementType:        "TRANSFER",
		TxType:              "ONLINE",
		Amount:              150,
		ClientRiskLevel:     0.35,
		MeanAmount:          130,
		StdAmount:           25,
		ClientGeoRisk:       0.4,
		CounterpartyGeoRisk: 0.8,
		TxCount1h:           3,
		UniqueCP1d:          4,
		DayPart:             "evening",
	}
}

func TestPredictor_Predict(t *testing.T) {
	fixed := time.Date(2024, 7, 20, 12, 0, 0, 0, time.UTC)
	p := testPredictor(t, WithClock(func() time.Time { return fixed }))

	inputs := []Input{
		{TransactionID: "tx-1", Features: typicalFeatures()},
		{TransactionID: "tx-2", Features: features.FeatureSet{Amount: 50}},
	}

	preds, err := p.Predict(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, preds, len(inputs))

	for i, pred := range preds {
		assert.Equal(t, inputs[i].TransactionID, pred.TransactionID)
		assert.GreaterOrEqual(t, pred.RiskProbability, 0.0)
		assert.LessOrEqual(t, pred.RiskProbability, 1.0)
		assert.Equal(t, TierFor(pred.RiskProbability), pred.RiskTier)
		assert.Equal(t, "classifier_2024-07-15T10-30-00.json", pred.ModelVersion)
		assert.Equal(t, fixed, pred.PredictedAt)

		// Probability is rounded to 4 decimal places.
		scaled := pred.RiskProbability * 10000
		assert.InDelta(t, math.Round(scaled), scaled, 1e-6)

		// Explanation covers every transformed feature, sorted by magnitude.
		exp := pred.Explanation
		assert.Empty(t, exp.Error)
		assert.Equal(t, 16, exp.TotalFeatures)
		require.Len(t, exp.TopRiskFactors, 16)
		for j := 1; j < len(exp.TopRiskFactors); j++ {
			assert.GreaterOrEqual(t,
				exp.TopRiskFactors[j-1].Magnitude,
				exp.TopRiskFactors[j].Magnitude,
			)
		}
	}
}

func TestPredictor_Predict_Deterministic(t *testing.T) {
	fixed := time.Date(2024, 7, 20, 12, 0, 0, 0, time.UTC)
	p := testPredictor(t, WithClock(func() time.Time { return fixed }))

	in := []Input{{TransactionID: "tx-1", Features: typicalFeatures()}}
	first, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	second, err := p.Predict(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPredictor_Predict_EmptyBatch(t *testing.T) {
	p := testPredictor(t)
	preds, err := p.Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestNormalize(t *testing.T) {
	fs := normalize(features.FeatureSet{Amount: 500})

	assert.Equal(t, "TRANSFER", fs.MovementType)
	assert.Equal(t, "ONLINE", fs.TxType)
	assert.Equal(t, "morning", fs.DayPart)
	assert.Equal(t, 0.1, fs.ClientRiskLevel)
	assert.Equal(t, 500.0, fs.MeanAmount)

	// Present values pass through untouched.
	full := normalize(typicalFeatures())
	assert.Equal(t, typicalFeatures(), full)
}
