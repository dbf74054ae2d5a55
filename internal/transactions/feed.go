package transactions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// PostgresFeed emits insert events for transactions by polling the store on
// a (created_at, transaction_id) watermark. Delivery is at-least-once: after
// a restart the watermark re-seeds from the newest existing row, and rows
// sharing the boundary timestamp can be re-emitted.
type PostgresFeed struct {
	db           *sql.DB
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
}

// FeedOption configures a PostgresFeed.
type FeedOption func(*PostgresFeed)

// WithPollInterval overrides the default 1s poll interval.
func WithPollInterval(d time.Duration) FeedOption {
	return func(f *PostgresFeed) { f.pollInterval = d }
}

// NewPostgresFeed creates a polling change feed over the transactions table.
func NewPostgresFeed(db *sql.DB, logger *slog.Logger, opts ...FeedOption) *PostgresFeed {
	f := &PostgresFeed{
		db:           db,
		pollInterval: time.Second,
		batchSize:    500,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe implements Feed. One poll goroutine per subscription.
func (f *PostgresFeed) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	lastCreated, lastID, err := f.seedWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed feed watermark: %w", err)
	}

	ch := make(chan ChangeEvent, 256)
	go f.pollLoop(ctx, ch, lastCreated, lastID)
	return ch, nil
}

// seedWatermark starts the feed at the newest existing row so a fresh
// subscription only sees transactions inserted after it.
func (f *PostgresFeed) seedWatermark(ctx context.Context) (string, string, error) {
	var created, id sql.NullString
	err := f.db.QueryRowContext(ctx, `
		SELECT created_at, transaction_id
		FROM transactions
		ORDER BY created_at DESC, transaction_id DESC
		LIMIT 1
	`).Scan(&created, &id)
	if err != nil && err != sql.ErrNoRows {
		return "", "", err
	}
	return created.String, id.String, nil
}

func (f *PostgresFeed) pollLoop(ctx context.Context, ch chan<- ChangeEvent, lastCreated, lastID string) {
	defer close(ch)

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			lastCreated, lastID, err = f.drain(ctx, ch, lastCreated, lastID)
			if err != nil {
				f.logger.Error("change feed poll failed", "error", err)
			}
		}
	}
}

// drain emits all rows past the watermark and returns the advanced watermark.
func (f *PostgresFeed) drain(ctx context.Context, ch chan<- ChangeEvent, lastCreated, lastID string) (string, string, error) {
	for {
		rows, err := f.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE (created_at, transaction_id) > ($1, $2)
			ORDER BY created_at, transaction_id
			LIMIT $3
		`, lastCreated, lastID, f.batchSize)
		if err != nil {
			return lastCreated, lastID, err
		}

		var batch []*Transaction
		for rows.Next() {
			tx, err := scanTransaction(rows)
			if err != nil {
				continue
			}
			batch = append(batch, tx)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return lastCreated, lastID, err
		}

		if len(batch) == 0 {
			return lastCreated, lastID, nil
		}

		for _, tx := range batch {
			select {
			case ch <- ChangeEvent{Type: EventInsert, Transaction: *tx}:
			case <-ctx.Done():
				return lastCreated, lastID, nil
			}
			lastCreated, lastID = tx.CreatedAt, tx.ID
		}

		if len(batch) < f.batchSize {
			return lastCreated, lastID, nil
		}
	}
}
