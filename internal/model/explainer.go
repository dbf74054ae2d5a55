package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Explainer attributes a prediction to individual input features. For a
// linear margin the exact additive attribution of feature i is
// w_i * (x_i - baseline_i), with the baseline margin reported as base_risk.
// The explainer is derived from the classifier, not loaded separately.
type Explainer struct {
	classifier   *Classifier
	featureNames []string
	baseMargin   float64
}

// NewExplainer derives an explainer from a loaded classifier and the
// transformer's feature names.
func NewExplainer(c *Classifier, featureNames []string) (*Explainer, error) {
	if len(featureNames) != len(c.Weights) {
		return nil, fmt.Errorf("explainer: %d feature names for %d weights", len(featureNames), len(c.Weights))
	}
	return &Explainer{
		classifier:   c,
		featureNames: featureNames,
		baseMargin:   c.Margin(c.Baseline),
	}, nil
}

// Explain returns the ranked signed attributions for one transformed vector.
func (e *Explainer) Explain(vec []float64) (Explanation, error) {
	if len(vec) != len(e.classifier.Weights) {
		return Explanation{}, fmt.Errorf("explainer: vector width %d, want %d", len(vec), len(e.classifier.Weights))
	}

	factors := make([]Factor, 0, len(vec))
	for i, w := range e.classifier.Weights {
		value := w * (vec[i] - e.classifier.Baseline[i])
		impact := ImpactDecreases
		if value > 0 {
			impact = ImpactIncreases
		}
		factors = append(factors, Factor{
			Feature:   displayName(e.featureNames[i]),
			Value:     value,
			Impact:    impact,
			Magnitude: math.Abs(value),
		})
	}

	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Magnitude > factors[j].Magnitude
	})

	return Explanation{
		TopRiskFactors: factors,
		BaseRisk:       e.baseMargin,
		TotalFeatures:  len(factors),
	}, nil
}

// displayName strips the transformer's namespace prefix, so
// "num__amount" reports as "amount" and
// "cat__tx_type_ONLINE" as "tx_type_ONLINE".
func displayName(name string) string {
	if _, rest, ok := strings.Cut(name, "__"); ok && rest != "" {
		return rest
	}
	return name
}
