package features

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/refdata"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func testEngine() *Engine {
	return NewEngine(slog.Default())
}

func testTx() *transactions.Transaction {
	return &transactions.Transaction{
		ID:                    "tx-1",
		MovementType:          "TRANSFER",
		TxType:                "ONLINE",
		ClientAccountID:       "client-1",
		CounterpartyAccountID: "cp-1",
		Amount:                250,
		CreatedAt:             "2024-07-20 20:30:00",
		Status:                transactions.StatusStarted,
	}
}

func fullSnapshot() *refdata.Snapshot {
	return refdata.BuildSnapshot(
		[]refdata.ClientProfile{
			{AccountID: "client-1", RiskLevel: 4, Country: "Nigeria"},
		},
		[]refdata.CounterpartyProfile{
			{AccountID: "cp-1", Country: "Canada"},
		},
		[]refdata.ClientRunningStats{
			{ClientAccountID: "client-1", AvgTxAmount: 120, StdTxAmount: 30, LastTxTimestamp: "2024-07-20 19:00:00"},
		},
		[]refdata.ActivityBucket{
			{ClientAccountID: "client-1", BucketTimestamp: "2024-07-20T20:00:00.000000", TxCount: 3, UniqueCounterparties: "cp1, cp2"},
			{ClientAccountID: "client-1", BucketTimestamp: "2024-07-20T19:00:00.000000", TxCount: 5, UniqueCounterparties: "cp2,cp3"},
			{ClientAccountID: "client-1", BucketTimestamp: "2024-07-19T20:30:00.000000", TxCount: 7, UniqueCounterparties: "cp4"},
			{ClientAccountID: "client-1", BucketTimestamp: "2024-07-20T21:00:00.000000", TxCount: 9, UniqueCounterparties: "cp5"},
		},
	)
}

func TestCompute_FullSnapshot(t *testing.T) {
	out := testEngine().Compute(testTx(), fullSnapshot())
	require.False(t, out.Degraded)

	fs := out.Features
	assert.Equal(t, "TRANSFER", fs.MovementType)
	assert.Equal(t, "ONLINE", fs.TxType)
	assert.Equal(t, 250.0, fs.Amount)
	assert.Equal(t, 0.6, fs.ClientRiskLevel)         // ordinal 4
	assert.Equal(t, GeoRiskHigh, fs.ClientGeoRisk)   // Nigeria
	assert.Equal(t, GeoRiskLow, fs.CounterpartyGeoRisk) // Canada
	assert.Equal(t, 120.0, fs.MeanAmount)
	assert.Equal(t, 30.0, fs.StdAmount)
	assert.Equal(t, "evening", fs.DayPart)

	// Only the 20:00 bucket is inside [19:30, 20:30); the 21:00 bucket is in
	// the future and never counts.
	assert.Equal(t, 3, fs.TxCount1h)
	// The day window spans [2024-07-19 20:30, 2024-07-20 20:30): cp1-cp4.
	assert.Equal(t, 4, fs.UniqueCP1d)
}

func TestCompute_UnknownClientAndCounterparty(t *testing.T) {
	snap := refdata.BuildSnapshot(nil, nil, nil, nil)

	out := testEngine().Compute(testTx(), snap)
	require.False(t, out.Degraded)

	fs := out.Features
	// Missing profile rows fall back to the default country, not degradation.
	assert.Equal(t, GeoRiskNeutral, fs.ClientGeoRisk)
	assert.Equal(t, GeoRiskNeutral, fs.CounterpartyGeoRisk)
	assert.Equal(t, 0.1, fs.ClientRiskLevel)
	assert.Equal(t, 250.0, fs.MeanAmount) // no stats row: mean=amount
	assert.Equal(t, 0.0, fs.StdAmount)
	assert.Equal(t, 0, fs.TxCount1h)
	assert.Equal(t, 0, fs.UniqueCP1d)
}

func TestCompute_IncompleteSnapshot(t *testing.T) {
	tx := testTx()

	out := testEngine().Compute(tx, nil)
	assert.True(t, out.Degraded)
	assert.Equal(t, ReasonMissingDatasets, out.Reason)
	assert.Equal(t, Defaults(tx), out.Features)

	partial := fullSnapshot()
	partial.Stats = nil
	out = testEngine().Compute(tx, partial)
	assert.True(t, out.Degraded)
	assert.Equal(t, ReasonMissingDatasets, out.Reason)
}

func TestCompute_BadTimestamp(t *testing.T) {
	tx := testTx()
	tx.CreatedAt = "20/07/2024 20:30"

	out := testEngine().Compute(tx, fullSnapshot())
	assert.True(t, out.Degraded)
	assert.Equal(t, ReasonBadTimestamp, out.Reason)
	assert.Equal(t, Defaults(tx), out.Features)
}

func TestCompute_BadBucketDegradesWhole(t *testing.T) {
	snap := fullSnapshot()
	snap.Activity["client-1"] = append(snap.Activity["client-1"],
		refdata.ActivityBucket{ClientAccountID: "client-1", BucketTimestamp: "garbage"})

	tx := testTx()
	out := testEngine().Compute(tx, snap)

	// One bad bucket degrades the entire feature set, never a partial mix.
	assert.True(t, out.Degraded)
	assert.Equal(t, ReasonBadBucket, out.Reason)
	assert.Equal(t, Defaults(tx), out.Features)
}

func TestCompute_Deterministic(t *testing.T) {
	first := testEngine().Compute(testTx(), fullSnapshot())
	second := testEngine().Compute(testTx(), fullSnapshot())
	assert.Equal(t, first, second)
}

func TestDefaults(t *testing.T) {
	tx := testTx()
	fs := Defaults(tx)

	assert.Equal(t, tx.MovementType, fs.MovementType)
	assert.Equal(t, tx.TxType, fs.TxType)
	assert.Equal(t, tx.Amount, fs.Amount)
	assert.Equal(t, 0.1, fs.ClientRiskLevel)
	assert.Equal(t, tx.Amount, fs.MeanAmount)
	assert.Equal(t, 0.0, fs.StdAmount)
	assert.Equal(t, GeoRiskNeutral, fs.ClientGeoRisk)
	assert.Equal(t, GeoRiskNeutral, fs.CounterpartyGeoRisk)
	assert.Equal(t, 1, fs.TxCount1h)
	assert.Equal(t, 1, fs.UniqueCP1d)
	assert.Equal(t, "morning", fs.DayPart)
}

func TestRiskLevelScore(t *testing.T) {
	tests := []struct {
		level int
		want  float64
	}{
		{0, 0.1}, {1, 0.1}, {2, 0.1},
		{3, 0.35},
		{4, 0.6},
		{5, 0.8}, {7, 0.8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, riskLevelScore(tt.level), "level %d", tt.level)
	}
}

func TestDayPart(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{0, "night"}, {3, "night"}, {5, "night"},
		{6, "morning"}, {11, "morning"},
		{12, "afternoon"}, {17, "afternoon"},
		{18, "evening"}, {23, "evening"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dayPart(tt.hour), "hour %d", tt.hour)
	}
}
