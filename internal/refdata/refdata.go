// Package refdata loads the read-only historical reference datasets the
// feature engine needs: client profiles, counterparty profiles, per-client
// running statistics, and recent-activity buckets.
//
// The datasets are maintained by external collaborators; this package only
// bulk-scans them and holds an indexed point-in-time snapshot per worker
// lifetime.
package refdata

import (
	"context"
	"time"
)

// BucketTimeLayout is the wire format for activity bucket boundaries.
const BucketTimeLayout = "2006-01-02T15:04:05.000000"

// bucketTimeFallback handles rows written without fractional seconds.
const bucketTimeFallback = "2006-01-02 15:04:05"

// ClientProfile describes a known client account.
type ClientProfile struct {
	AccountID string `json:"account_id"`
	RiskLevel int    `json:"risk_level"` // ordinal 1-5, 0 = unknown
	Country   string `json:"country"`
}

// CounterpartyProfile describes a known counterparty account.
type CounterpartyProfile struct {
	AccountID string `json:"account_id"`
	Country   string `json:"country"`
	RiskLevel int    `json:"risk_level"`
}

// ClientRunningStats is the running amount statistics row for one client.
// One logical row per client; when duplicates exist the row with the most
// recent last_tx_timestamp wins.
type ClientRunningStats struct {
	ClientAccountID string  `json:"client_account_id"`
	TxCount         int64   `json:"tx_count"`
	TxSum           float64 `json:"tx_sum"`
	TxSquareSum     float64 `json:"tx_square_sum"`
	AvgTxAmount     float64 `json:"avg_tx_amount"`
	StdTxAmount     float64 `json:"std_tx_amount"`
	LastTxTimestamp string  `json:"last_tx_timestamp"`
}

// ActivityBucket is one time-bucketed activity row for a client. The
// counterparty list is comma-delimited; entries may carry stray whitespace.
type ActivityBucket struct {
	ClientAccountID           string `json:"client_account_id"`
	BucketTimestamp           string `json:"bucket_timestamp"`
	TxCount                   int    `json:"tx_count"`
	UniqueCounterpartiesCount int    `json:"unique_counterparties_count"`
	UniqueCounterparties      string `json:"unique_counterparties"`
}

// Boundary parses the bucket's time boundary, accepting both the fractional
// and plain second formats.
func (b *ActivityBucket) Boundary() (time.Time, error) {
	t, err := time.Parse(BucketTimeLayout, b.BucketTimestamp)
	if err == nil {
		return t, nil
	}
	return time.Parse(bucketTimeFallback, b.BucketTimestamp)
}

// Source bulk-scans the four reference datasets. Implementations return all
// rows, paginating internally.
type Source interface {
	Clients(ctx context.Context) ([]ClientProfile, error)
	Counterparties(ctx context.Context) ([]CounterpartyProfile, error)
	RunningStats(ctx context.Context) ([]ClientRunningStats, error)
	ActivityBuckets(ctx context.Context) ([]ActivityBucket, error)
}

// Snapshot is an indexed point-in-time view of all four datasets. A nil map
// means that dataset was unavailable; the feature engine degrades to its
// default feature set in that case.
type Snapshot struct {
	Clients        map[string]ClientProfile
	Counterparties map[string]CounterpartyProfile
	Stats          map[string]ClientRunningStats
	Activity       map[string][]ActivityBucket
}

// Complete reports whether all four datasets are present.
func (s *Snapshot) Complete() bool {
	return s != nil &&
		s.Clients != nil &&
		s.Counterparties != nil &&
		s.Stats != nil &&
		s.Activity != nil
}

// BuildSnapshot indexes raw dataset rows for per-transaction lookup.
func BuildSnapshot(
	clients []ClientProfile,
	counterparties []CounterpartyProfile,
	stats []ClientRunningStats,
	buckets []ActivityBucket,
) *Snapshot {
	snap := &Snapshot{
		Clients:        make(map[string]ClientProfile, len(clients)),
		Counterparties: make(map[string]CounterpartyProfile, len(counterparties)),
		Stats:          make(map[string]ClientRunningStats, len(stats)),
		Activity:       make(map[string][]ActivityBucket),
	}

	for _, c := range clients {
		snap.Clients[c.AccountID] = c
	}
	for _, cp := range counterparties {
		snap.Counterparties[cp.AccountID] = cp
	}
	for _, st := range stats {
		// Most recent last_tx_timestamp wins; the layout sorts
		// lexicographically in time order.
		if prev, ok := snap.Stats[st.ClientAccountID]; ok && prev.LastTxTimestamp >= st.LastTxTimestamp {
			continue
		}
		snap.Stats[st.ClientAccountID] = st
	}
	for _, b := range buckets {
		snap.Activity[b.ClientAccountID] = append(snap.Activity[b.ClientAccountID], b)
	}

	return snap
}
