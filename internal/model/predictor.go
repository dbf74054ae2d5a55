package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
)

// Predictor scores transaction feature sets in batches. Artifacts load
// lazily on first use and are reused for the predictor's lifetime; a failed
// load is fatal to the call and retried on the next one.
type Predictor struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	set       *artifactSet
	explainer *Explainer
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithClock overrides the prediction timestamp source (for tests).
func WithClock(now func() time.Time) Option {
	return func(p *Predictor) { p.now = now }
}

// NewPredictor creates a predictor over the given artifact directory.
func NewPredictor(dir string, logger *slog.Logger, opts ...Option) *Predictor {
	p := &Predictor{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load resolves and loads the newest artifact set. Safe to call eagerly;
// Predict calls it implicitly.
func (p *Predictor) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureLoadedLocked()
}

// Version returns the loaded model version, or "" before first load.
func (p *Predictor) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		return ""
	}
	return p.set.modelName
}

func (p *Predictor) ensureLoadedLocked() error {
	if p.set != nil {
		return nil
	}

	set, err := loadLatest(p.dir)
	if err != nil {
		return err
	}

	explainer, err := NewExplainer(&set.classifier, set.transformer.FeatureNames())
	if err != nil {
		return fmt.Errorf("derive explainer: %w", err)
	}

	p.set = set
	p.explainer = explainer
	p.logger.Info("model artifacts loaded",
		"version", set.version,
		"features", set.transformer.Width(),
		"positive_class", set.labels.Classes[1],
	)
	return nil
}

// Predict scores a batch of inputs, returning exactly one prediction per
// input. Explanation failures degrade the affected row's explanation only;
// the numeric prediction always returns.
func (p *Predictor) Predict(ctx context.Context, inputs []Input) ([]Prediction, error) {
	p.mu.Lock()
	if err := p.ensureLoadedLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	set := p.set
	explainer := p.explainer
	p.mu.Unlock()

	predictedAt := p.now()
	results := make([]Prediction, 0, len(inputs))

	for _, input := range inputs {
		fs := normalize(input.Features)
		vec := set.transformer.Transform(fs)
		probability := round4(set.classifier.ProbabilityClass1(vec))

		explanation, err := explainer.Explain(vec)
		if err != nil {
			p.logger.Warn("explanation failed, degrading to empty payload",
				"transaction_id", input.TransactionID,
				"error", err,
			)
			explanation = Explanation{
				TopRiskFactors: []Factor{},
				Error:          err.Error(),
			}
		}

		results = append(results, Prediction{
			TransactionID:   input.TransactionID,
			RiskProbability: probability,
			RiskPrediction:  set.classifier.Predict(vec),
			RiskTier:        TierFor(probability),
			Explanation:     explanation,
			ModelVersion:    set.modelName,
			PredictedAt:     predictedAt,
		})
	}

	return results, nil
}

// normalize fills absent fields with the model's documented defaults before
// projection. Numeric counts pass through: zero is a legitimate value there.
func normalize(fs features.FeatureSet) features.FeatureSet {
	if fs.MovementType == "" {
		fs.MovementType = "TRANSFER"
	}
	if fs.TxType == "" {
		fs.TxType = "ONLINE"
	}
	if fs.DayPart == "" {
		fs.DayPart = "morning"
	}
	if fs.ClientRiskLevel == 0 {
		fs.ClientRiskLevel = 0.1
	}
	if fs.MeanAmount == 0 && fs.Amount != 0 {
		fs.MeanAmount = fs.Amount
	}
	return fs
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
