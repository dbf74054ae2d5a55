package refdata

import (
	"context"
	"database/sql"
	"fmt"
)

// scanPageSize bounds each page of a bulk scan.
const scanPageSize = 1000

// PostgresSource bulk-scans reference datasets from PostgreSQL in pages.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a PostgreSQL-backed reference data source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Clients(ctx context.Context) ([]ClientProfile, error) {
	var result []ClientProfile
	err := s.scanPages(ctx, `
		SELECT account_id, risk_level, country
		FROM clients
		ORDER BY account_id
		LIMIT $1 OFFSET $2
	`, func(rows *sql.Rows) error {
		var c ClientProfile
		if err := rows.Scan(&c.AccountID, &c.RiskLevel, &c.Country); err != nil {
			return err
		}
		result = append(result, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan clients: %w", err)
	}
	return result, nil
}

func (s *PostgresSource) Counterparties(ctx context.Context) ([]CounterpartyProfile, error) {
	var result []CounterpartyProfile
	err := s.scanPages(ctx, `
		SELECT account_id, country, risk_level
		FROM counterparties
		ORDER BY account_id
		LIMIT $1 OFFSET $2
	`, func(rows *sql.Rows) error {
		var cp CounterpartyProfile
		if err := rows.Scan(&cp.AccountID, &cp.Country, &cp.RiskLevel); err != nil {
			return err
		}
		result = append(result, cp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan counterparties: %w", err)
	}
	return result, nil
}

func (s *PostgresSource) RunningStats(ctx context.Context) ([]ClientRunningStats, error) {
	var result []ClientRunningStats
	err := s.scanPages(ctx, `
		SELECT client_account_id, tx_count, tx_sum, tx_square_sum,
			avg_tx_amount, std_tx_amount, last_tx_timestamp
		FROM client_tx_state
		ORDER BY client_account_id, last_tx_timestamp
		LIMIT $1 OFFSET $2
	`, func(rows *sql.Rows) error {
		var st ClientRunningStats
		if err := rows.Scan(
			&st.ClientAccountID,
			&st.TxCount,
			&st.TxSum,
			&st.TxSquareSum,
			&st.AvgTxAmount,
			&st.StdTxAmount,
			&st.LastTxTimestamp,
		); err != nil {
			return err
		}
		result = append(result, st)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan client_tx_state: %w", err)
	}
	return result, nil
}

func (s *PostgresSource) ActivityBuckets(ctx context.Context) ([]ActivityBucket, error) {
	var result []ActivityBucket
	err := s.scanPages(ctx, `
		SELECT client_account_id, bucket_timestamp, tx_count,
			unique_counterparties_count, unique_counterparties
		FROM client_recent_activity
		ORDER BY client_account_id, bucket_timestamp
		LIMIT $1 OFFSET $2
	`, func(rows *sql.Rows) error {
		var b ActivityBucket
		if err := rows.Scan(
			&b.ClientAccountID,
			&b.BucketTimestamp,
			&b.TxCount,
			&b.UniqueCounterpartiesCount,
			&b.UniqueCounterparties,
		); err != nil {
			return err
		}
		result = append(result, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan client_recent_activity: %w", err)
	}
	return result, nil
}

// scanPages runs the query with LIMIT/OFFSET pagination until a short page.
func (s *PostgresSource) scanPages(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	offset := 0
	for {
		rows, err := s.db.QueryContext(ctx, query, scanPageSize, offset)
		if err != nil {
			return err
		}

		n := 0
		for rows.Next() {
			if err := scan(rows); err != nil {
				_ = rows.Close()
				return err
			}
			n++
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}

		if n < scanPageSize {
			return nil
		}
		offset += n
	}
}
