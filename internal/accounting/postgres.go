package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger reads and updates user credit balances in PostgreSQL.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(ctx context.Context, databaseURL string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLedger{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_credits (
			user_id TEXT PRIMARY KEY,
			credits INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS credit_events (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int, error) {
	var credits int
	err := l.pool.QueryRow(ctx,
		`SELECT credits FROM user_credits WHERE user_id=$1`, userID,
	).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownUser
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return credits, nil
}

func (l *PostgresLedger) Deduct(ctx context.Context, userID string, amount int, reason string) (int, error) {
	if amount < 0 {
		amount = 0
	}

	var remaining int
	err := l.pool.QueryRow(ctx,
		`UPDATE user_credits
		 SET credits = GREATEST(0, credits - $2), updated_at = now()
		 WHERE user_id = $1
		 RETURNING credits`,
		userID, amount,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownUser
	}
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO credit_events (user_id, amount, reason) VALUES ($1, $2, $3)`,
		userID, -amount, reason,
	); err != nil {
		return remaining, fmt.Errorf("record credit event: %w", err)
	}
	return remaining, nil
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
