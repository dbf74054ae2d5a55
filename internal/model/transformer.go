package model

import (
	"fmt"

	"github.com/mbd888/fraudwatch/internal/features"
)

// CategoricalEncoding one-hot encodes a categorical field over a fixed
// vocabulary. Unknown values encode as all zeros.
type CategoricalEncoding struct {
	Field      string   `json:"field"`
	Categories []string `json:"categories"`
}

// NumericScaling standardizes a numeric field with training-set statistics.
type NumericScaling struct {
	Field string  `json:"field"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

// Transformer turns a typed feature set into the classifier's native input
// vector: one-hot categorical blocks followed by scaled numeric features.
// Loaded from a versioned transformer artifact.
type Transformer struct {
	Categorical []CategoricalEncoding `json:"categorical"`
	Numeric     []NumericScaling      `json:"numeric"`
}

// Width returns the length of the transformed vector.
func (t *Transformer) Width() int {
	width := len(t.Numeric)
	for _, enc := range t.Categorical {
		width += len(enc.Categories)
	}
	return width
}

// FeatureNames returns the transformed feature names, namespaced the way the
// training pipeline emits them: cat__<field>_<value> and num__<field>.
func (t *Transformer) FeatureNames() []string {
	names := make([]string, 0, t.Width())
	for _, enc := range t.Categorical {
		for _, cat := range enc.Categories {
			names = append(names, "cat__"+enc.Field+"_"+cat)
		}
	}
	for _, num := range t.Numeric {
		names = append(names, "num__"+num.Field)
	}
	return names
}

// Transform projects a feature set into the model's input vector.
func (t *Transformer) Transform(fs features.FeatureSet) []float64 {
	vec := make([]float64, 0, t.Width())

	for _, enc := range t.Categorical {
		value := categoricalValue(fs, enc.Field)
		for _, cat := range enc.Categories {
			if cat == value {
				vec = append(vec, 1)
			} else {
				vec = append(vec, 0)
			}
		}
	}

	for _, num := range t.Numeric {
		v := numericValue(fs, num.Field)
		std := num.Std
		if std == 0 {
			std = 1
		}
		vec = append(vec, (v-num.Mean)/std)
	}

	return vec
}

// validate checks the transformer covers exactly the model's feature schema.
func (t *Transformer) validate() error {
	seen := make(map[string]bool)
	for _, enc := range t.Categorical {
		if !isCategoricalField(enc.Field) {
			return fmt.Errorf("unknown categorical field %q", enc.Field)
		}
		if len(enc.Categories) == 0 {
			return fmt.Errorf("categorical field %q has no categories", enc.Field)
		}
		seen[enc.Field] = true
	}
	for _, num := range t.Numeric {
		if !isNumericField(num.Field) {
			return fmt.Errorf("unknown numeric field %q", num.Field)
		}
		seen[num.Field] = true
	}
	for _, field := range schemaFields {
		if !seen[field] {
			return fmt.Errorf("transformer missing field %q", field)
		}
	}
	return nil
}

// schemaFields is the fixed 11-feature model input schema.
var schemaFields = []string{
	"movement_type",
	"tx_type",
	"amount",
	"client_risk_level",
	"mean_amount",
	"std_amount",
	"client_geo_risk",
	"counterparty_geo_risk",
	"tx_count_1h",
	"unique_cp_1d",
	"day_part",
}

func isCategoricalField(field string) bool {
	switch field {
	case "movement_type", "tx_type", "day_part":
		return true
	}
	return false
}

func isNumericField(field string) bool {
	switch field {
	case "amount", "client_risk_level", "mean_amount", "std_amount",
		"client_geo_risk", "counterparty_geo_risk", "tx_count_1h", "unique_cp_1d":
		return true
	}
	return false
}

func categoricalValue(fs features.FeatureSet, field string) string {
	switch field {
	case "movement_type":
		return fs.MovementType
	case "tx_type":
		return fs.TxType
	case "day_part":
		return fs.DayPart
	}
	return ""
}

func numericValue(fs features.FeatureSet, field string) float64 {
	switch field {
	case "amount":
		return fs.Amount
	case "client_risk_level":
		return fs.ClientRiskLevel
	case "mean_amount":
		return fs.MeanAmount
	case "std_amount":
		return fs.StdAmount
	case "client_geo_risk":
		return fs.ClientGeoRisk
	case "counterparty_geo_risk":
		return fs.CounterpartyGeoRisk
	case "tx_count_1h":
		return float64(fs.TxCount1h)
	case "unique_cp_1d":
		return float64(fs.UniqueCP1d)
	}
	return 0
}
