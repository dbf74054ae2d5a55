// Package transactions defines the transaction record, its durable store,
// and the insert/update change feed that drives the scoring pipeline.
//
// Transactions are created by external collaborators and mutated only by
// the scoring pipeline: the worker and the result relay both write the same
// score fields, so concurrent writes converge to identical values.
package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// TimeLayout is the wire format for transaction timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// Status of a transaction in the scoring lifecycle.
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusAnalyzed Status = "ANALYZED"
)

// ErrNotFound is returned when a transaction id has no record.
var ErrNotFound = errors.New("transaction not found")

// Transaction is the stored record keyed by transaction id.
// Score fields are absent until the transaction has been analyzed.
type Transaction struct {
	ID                    string          `json:"transaction_id"`
	MovementType          string          `json:"movement_type"`
	TxType                string          `json:"tx_type"`
	ClientAccountID       string          `json:"client_account_id"`
	CounterpartyAccountID string          `json:"counterparty_account_id"`
	Amount                float64         `json:"amount"`
	CreatedAt             string          `json:"created_at"`
	Status                Status          `json:"status"`
	RiskScore             *float64        `json:"risk_score,omitempty"`
	RiskPrediction        *bool           `json:"risk_prediction,omitempty"`
	Explanation           json.RawMessage `json:"explanation,omitempty"`
	ModelVersion          string          `json:"model_version,omitempty"`
	UpdatedAt             string          `json:"updated_at,omitempty"`
	LastStatusAt          string          `json:"last_status_at,omitempty"`
}

// Timestamp parses the transaction's creation time.
func (t *Transaction) Timestamp() (time.Time, error) {
	return time.Parse(TimeLayout, t.CreatedAt)
}

// Analyzed reports whether the transaction has already been scored.
func (t *Transaction) Analyzed() bool {
	return t.Status == StatusAnalyzed
}

// ScoreUpdate carries the named fields written when a transaction is
// analyzed. Applying the same update twice yields the same record, which is
// what makes the worker/relay write race safe.
type ScoreUpdate struct {
	TransactionID  string
	RiskScore      float64
	RiskPrediction bool
	Explanation    json.RawMessage
	ModelVersion   string
	UpdatedAt      string
	LastStatusAt   string
}

// Store is the durable transaction record store.
type Store interface {
	// Get returns the transaction by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Transaction, error)

	// Insert stores a new transaction record.
	Insert(ctx context.Context, tx *Transaction) error

	// UpdateScore atomically writes the score fields and flips the status
	// to ANALYZED. The update is unconditional but value-stable.
	UpdateScore(ctx context.Context, upd ScoreUpdate) error

	// List returns up to limit transactions, most recent first.
	List(ctx context.Context, limit int) ([]*Transaction, error)
}

// EventType classifies a change-feed event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventModify EventType = "MODIFY"
)

// ChangeEvent is one entry in the store's change feed, carrying the record's
// after-image.
type ChangeEvent struct {
	Type        EventType
	Transaction Transaction
}

// Feed is an ordered stream of change events. Delivery is at-least-once:
// consumers must tolerate redelivery of the same transaction.
type Feed interface {
	// Subscribe returns a channel of change events. The channel is closed
	// when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}
