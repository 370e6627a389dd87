package persistence

import (
	"auto-trader-go/internal/models"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createClosedBundlesSQL = `
    CREATE TABLE IF NOT EXISTS closed_bundles (
        seq                   BIGSERIAL PRIMARY KEY,
        id                    TEXT NOT NULL UNIQUE,
        ticker                TEXT NOT NULL,
        strategy              TEXT NOT NULL,
        open_time             TIMESTAMPTZ NOT NULL,
        close_time            TIMESTAMPTZ NOT NULL,
        account_value_at_open DOUBLE PRECISION NOT NULL,
        open_price            DOUBLE PRECISION NOT NULL,
        close_price           DOUBLE PRECISION NOT NULL,
        shares                BIGINT NOT NULL,
        open_commission       DOUBLE PRECISION NOT NULL,
        close_commission      DOUBLE PRECISION NOT NULL,
        recorded_at           TIMESTAMPTZ NOT NULL DEFAULT now()
    )
`

// PostgresHistory is an INSERT-only closed_bundles table. A bundle that is
// already recorded is skipped, never updated.
type PostgresHistory struct {
	db *pgxpool.Pool
}

func NewPostgresHistory(ctx context.Context, databaseURL string) (*PostgresHistory, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect history database: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := db.Exec(ctx, createClosedBundlesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create closed_bundles: %w", err)
	}
	return &PostgresHistory{db: db}, nil
}

func (h *PostgresHistory) Append(ctx context.Context, bundles []*models.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	const insertSQL = `
        INSERT INTO closed_bundles (
            id, ticker, strategy,
            open_time, close_time,
            account_value_at_open,
            open_price, close_price, shares,
            open_commission, close_commission
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (id) DO NOTHING
    `
	return pgx.BeginFunc(ctx, h.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range bundles {
			if b.CloseTime == nil {
				return fmt.Errorf("bundle %s is still open", b.ID)
			}
			batch.Queue(insertSQL,
				b.ID, b.Ticker, b.Strategy,
				b.OpenTime, *b.CloseTime,
				b.AccountValueAtOpen,
				b.OpenPrice, b.ClosePrice, b.Shares,
				b.OpenCommission, b.CloseCommission,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (h *PostgresHistory) ReadAll(ctx context.Context) ([]*models.Bundle, error) {
	rows, err := h.db.Query(ctx, `
        SELECT id, ticker, strategy, open_time, close_time, account_value_at_open,
               open_price, close_price, shares, open_commission, close_commission
        FROM closed_bundles
        ORDER BY seq
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Bundle
	for rows.Next() {
		var b models.Bundle
		var closeTime time.Time
		if err := rows.Scan(
			&b.ID, &b.Ticker, &b.Strategy, &b.OpenTime, &closeTime, &b.AccountValueAtOpen,
			&b.OpenPrice, &b.ClosePrice, &b.Shares, &b.OpenCommission, &b.CloseCommission,
		); err != nil {
			return nil, err
		}
		b.CloseTime = &closeTime
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (h *PostgresHistory) Close() error {
	h.db.Close()
	return nil
}
