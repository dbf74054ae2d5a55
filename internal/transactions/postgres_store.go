package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `transaction_id, movement_type, tx_type, client_account_id,
	counterparty_account_id, amount, created_at, status, risk_score,
	risk_prediction, explanation, model_version, updated_at, last_status_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE transaction_id = $1
	`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (s *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	if tx.Status == "" {
		tx.Status = StatusStarted
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, movement_type, tx_type,
			client_account_id, counterparty_account_id, amount, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		tx.ID,
		tx.MovementType,
		tx.TxType,
		tx.ClientAccountID,
		tx.CounterpartyAccountID,
		tx.Amount,
		tx.CreatedAt,
		string(tx.Status),
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// UpdateScore writes the score fields and status in a single statement.
// It is unconditional: re-applying the same update converges to the same row.
func (s *PostgresStore) UpdateScore(ctx context.Context, upd ScoreUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2,
			risk_score = $3,
			risk_prediction = $4,
			explanation = $5,
			model_version = $6,
			updated_at = $7,
			last_status_at = $8
		WHERE transaction_id = $1
	`,
		upd.TransactionID,
		string(StatusAnalyzed),
		upd.RiskScore,
		upd.RiskPrediction,
		string(upd.Explanation),
		upd.ModelVersion,
		upd.UpdatedAt,
		upd.LastStatusAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", upd.TransactionID, err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		ORDER BY created_at DESC, transaction_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			continue
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx           Transaction
		status       string
		riskScore    sql.NullFloat64
		prediction   sql.NullBool
		explanation  sql.NullString
		modelVersion sql.NullString
		updatedAt    sql.NullString
		lastStatusAt sql.NullString
	)

	err := row.Scan(
		&tx.ID,
		&tx.MovementType,
		&tx.TxType,
		&tx.ClientAccountID,
		&tx.CounterpartyAccountID,
		&tx.Amount,
		&tx.CreatedAt,
		&status,
		&riskScore,
		&prediction,
		&explanation,
		&modelVersion,
		&updatedAt,
		&lastStatusAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	if riskScore.Valid {
		v := riskScore.Float64
		tx.RiskScore = &v
	}
	if prediction.Valid {
		v := prediction.Bool
		tx.RiskPrediction = &v
	}
	if explanation.Valid && explanation.String != "" {
		tx.Explanation = []byte(explanation.String)
	}
	tx.ModelVersion = modelVersion.String
	tx.UpdatedAt = updatedAt.String
	tx.LastStatusAt = lastStatusAt.String
	return &tx, nil
}
