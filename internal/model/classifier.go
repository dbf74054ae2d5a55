package model

import (
	"fmt"
	"math"
)

// Classifier is a logistic model over the transformed feature vector.
// Loaded from a versioned classifier artifact; Baseline carries the expected
// transformed feature values from the training set, which the explainer uses
// as its reference point.
type Classifier struct {
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	Baseline  []float64 `json:"baseline"`
}

// Margin returns the raw decision value w·x + b.
func (c *Classifier) Margin(vec []float64) float64 {
	margin := c.Intercept
	for i, w := range c.Weights {
		margin += w * vec[i]
	}
	return margin
}

// ProbabilityClass1 returns the positive-class probability via the logistic
// function.
func (c *Classifier) ProbabilityClass1(vec []float64) float64 {
	return sigmoid(c.Margin(vec))
}

// Predict returns the binary class at the 0.5 probability boundary.
func (c *Classifier) Predict(vec []float64) bool {
	return c.Margin(vec) >= 0
}

func (c *Classifier) validate(width int) error {
	if len(c.Weights) != width {
		return fmt.Errorf("classifier has %d weights, transformer produces %d features", len(c.Weights), width)
	}
	if len(c.Baseline) != width {
		return fmt.Errorf("classifier baseline has %d values, want %d", len(c.Baseline), width)
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
