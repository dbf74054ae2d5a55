package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExplainer(t *testing.T) *Explainer {
	t.Helper()
	c := &Classifier{
		Weights:   []float64{0.5, -2.0, 0.1},
		Intercept: -1.0,
		Baseline:  []float64{1.0, 0.0, 0.0},
	}
	e, err := NewExplainer(c, []string{"num__amount", "cat__tx_type_ONLINE", "num__std_amount"})
	require.NoError(t, err)
	return e
}

func TestNewExplainer_WidthMismatch(t *testing.T) {
	c := &Classifier{Weights: []float64{1, 2}, Baseline: []float64{0, 0}}
	_, err := NewExplainer(c, []string{"only_one"})
	assert.Error(t, err)
}

func TestExplainer_Explain(t *testing.T) {
	e := testExplainer(t)

	exp, err := e.Explain([]float64{3.0, 1.0, 0.0})
	require.NoError(t, err)

	// base_risk is the margin at the baseline vector: -1.0 + 0.5*1.0 = -0.5
	assert.InDelta(t, -0.5, exp.BaseRisk, 1e-9)
	assert.Equal(t, 3, exp.TotalFeatures)
	require.Len(t, exp.TopRiskFactors, 3)

	// Attributions: amount 0.5*(3-1)=+1.0, tx_type_ONLINE -2.0*(1-0)=-2.0,
	// std_amount 0.1*(0-0)=0. Sorted by descending magnitude.
	assert.Equal(t, "tx_type_ONLINE", exp.TopRiskFactors[0].Feature)
	assert.InDelta(t, -2.0, exp.TopRiskFactors[0].Value, 1e-9)
	assert.Equal(t, ImpactDecreases, exp.TopRiskFactors[0].Impact)
	assert.InDelta(t, 2.0, exp.TopRiskFactors[0].Magnitude, 1e-9)

	assert.Equal(t, "amount", exp.TopRiskFactors[1].Feature)
	assert.InDelta(t, 1.0, exp.TopRiskFactors[1].Value, 1e-9)
	assert.Equal(t, ImpactIncreases, exp.TopRiskFactors[1].Impact)

	assert.Equal(t, "std_amount", exp.TopRiskFactors[2].Feature)
	assert.InDelta(t, 0.0, exp.TopRiskFactors[2].Value, 1e-9)
	assert.Equal(t, ImpactDecreases, exp.TopRiskFactors[2].Impact) // zero is non-positive
}

func TestExplainer_Explain_WidthMismatch(t *testing.T) {
	e := testExplainer(t)
	_, err := e.Explain([]float64{1.0})
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "amount", displayName("num__amount"))
	assert.Equal(t, "tx_type_ONLINE", displayName("cat__tx_type_ONLINE"))
	assert.Equal(t, "plain", displayName("plain"))
}
