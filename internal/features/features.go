// Package features computes the point-in-time behavioral feature set the
// risk model consumes.
//
// Computation is pure and never fails the caller: any missing dataset or
// malformed input degrades to a documented default feature set so scoring can
// always proceed. Degradation is all-or-nothing — a feature set never mixes
// computed and default values, which would bias the model inconsistently.
package features

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/fraudwatch/internal/refdata"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// DefaultCountry stands in when a client or counterparty has no profile row.
const DefaultCountry = "Mexico"

// FeatureSet is the typed 11-feature input schema of the risk model.
type FeatureSet struct {
	MovementType        string  `json:"movement_type"`
	TxType              string  `json:"tx_type"`
	Amount              float64 `json:"amount"`
	ClientRiskLevel     float64 `json:"client_risk_level"`
	MeanAmount          float64 `json:"mean_amount"`
	StdAmount           float64 `json:"std_amount"`
	ClientGeoRisk       float64 `json:"client_geo_risk"`
	CounterpartyGeoRisk float64 `json:"counterparty_geo_risk"`
	TxCount1h           int     `json:"tx_count_1h"`
	UniqueCP1d          int     `json:"unique_cp_1d"`
	DayPart             string  `json:"day_part"`
}

// Outcome is the result of a feature computation. Degraded outcomes carry
// the full default feature set and the reason computation fell back.
type Outcome struct {
	Features FeatureSet
	Degraded bool
	Reason   string
}

// Degradation reasons.
const (
	ReasonMissingDatasets = "missing_reference_datasets"
	ReasonBadTimestamp    = "unparseable_timestamp"
	ReasonBadBucket       = "unparseable_activity_bucket"
)

// Defaults returns the documented default feature set for a transaction.
func Defaults(tx *transactions.Transaction) FeatureSet {
	return FeatureSet{
		MovementType:        tx.MovementType,
		TxType:              tx.TxType,
		Amount:              tx.Amount,
		ClientRiskLevel:     0.1,
		MeanAmount:          tx.Amount,
		StdAmount:           0,
		ClientGeoRisk:       GeoRiskNeutral,
		CounterpartyGeoRisk: GeoRiskNeutral,
		TxCount1h:           1,
		UniqueCP1d:          1,
		DayPart:             "morning",
	}
}

// Engine derives model features from a transaction plus reference data.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a feature engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Compute derives the feature set for a transaction. All time windows are
// relative to the transaction's own timestamp, not processing time.
func (e *Engine) Compute(tx *transactions.Transaction, snap *refdata.Snapshot) Outcome {
	if !snap.Complete() {
		return e.degrade(tx, ReasonMissingDatasets, nil)
	}

	ts, err := tx.Timestamp()
	if err != nil {
		return e.degrade(tx, ReasonBadTimestamp, err)
	}

	fs := FeatureSet{
		MovementType: tx.MovementType,
		TxType:       tx.TxType,
		Amount:       tx.Amount,
		DayPart:      dayPart(ts.Hour()),
	}

	clientCountry := DefaultCountry
	clientRiskLevel := 0
	if client, ok := snap.Clients[tx.ClientAccountID]; ok {
		clientCountry = client.Country
		clientRiskLevel = client.RiskLevel
	}
	fs.ClientRiskLevel = riskLevelScore(clientRiskLevel)
	fs.ClientGeoRisk = GeoRisk(clientCountry)

	counterpartyCountry := DefaultCountry
	if cp, ok := snap.Counterparties[tx.CounterpartyAccountID]; ok {
		counterpartyCountry = cp.Country
	}
	fs.CounterpartyGeoRisk = GeoRisk(counterpartyCountry)

	if stats, ok := snap.Stats[tx.ClientAccountID]; ok {
		fs.MeanAmount = stats.AvgTxAmount
		fs.StdAmount = stats.StdTxAmount
	} else {
		fs.MeanAmount = tx.Amount
		fs.StdAmount = 0
	}

	count1h, uniqueCP, err := activityWindows(snap.Activity[tx.ClientAccountID], ts)
	if err != nil {
		return e.degrade(tx, ReasonBadBucket, err)
	}
	fs.TxCount1h = count1h
	fs.UniqueCP1d = uniqueCP

	return Outcome{Features: fs}
}

func (e *Engine) degrade(tx *transactions.Transaction, reason string, err error) Outcome {
	e.logger.Warn("feature computation degraded to defaults",
		"transaction_id", tx.ID,
		"reason", reason,
		"error", err,
	)
	return Outcome{Features: Defaults(tx), Degraded: true, Reason: reason}
}

// riskLevelScore converts the ordinal 1-5 client risk level to a continuous
// score. Zero (unknown) maps to the lowest score.
func riskLevelScore(level int) float64 {
	switch {
	case level <= 2:
		return 0.1
	case level == 3:
		return 0.35
	case level == 4:
		return 0.6
	default:
		return 0.8
	}
}

// activityWindows aggregates the client's buckets into the 1-hour transaction
// count and the 1-day distinct counterparty count, both over [t-window, t).
func activityWindows(buckets []refdata.ActivityBucket, ts time.Time) (count1h, uniqueCP1d int, err error) {
	oneHourAgo := ts.Add(-time.Hour)
	oneDayAgo := ts.Add(-24 * time.Hour)

	distinct := make(map[string]struct{})
	for i := range buckets {
		boundary, perr := buckets[i].Boundary()
		if perr != nil {
			return 0, 0, fmt.Errorf("bucket %q: %w", buckets[i].BucketTimestamp, perr)
		}
		if boundary.Before(ts) && !boundary.Before(oneHourAgo) {
			count1h += buckets[i].TxCount
		}
		if boundary.Before(ts) && !boundary.Before(oneDayAgo) {
			for _, cp := range strings.Split(buckets[i].UniqueCounterparties, ",") {
				cp = strings.TrimSpace(cp)
				if cp != "" {
					distinct[cp] = struct{}{}
				}
			}
		}
	}

	return count1h, len(distinct), nil
}

// dayPart buckets the hour of day into a fixed categorical.
func dayPart(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18:
		return "evening"
	default:
		return "night"
	}
}
