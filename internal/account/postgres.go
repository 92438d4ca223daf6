package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const premiumQuery = `SELECT is_premium, premium_expiry FROM users WHERE id = $1`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProvider reads the premium flag straight from the main backend's
// users table. A premium_expiry in the past counts as not premium.
type PostgresProvider struct {
	db    rowQuerier
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewPostgresProvider opens a pool for dsn and verifies it with a ping.
func NewPostgresProvider(ctx context.Context, dsn string) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresProvider{db: pool, pool: pool, clock: time.Now}, nil
}

func (p *PostgresProvider) PremiumStatus(ctx context.Context, userID string) (bool, error) {
	var (
		premium bool
		expiry  *time.Time
	)
	err := p.db.QueryRow(ctx, premiumQuery, userID).Scan(&premium, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("premium lookup: %w", err)
	}
	if premium && expiry != nil && !expiry.After(p.clock()) {
		return false, nil
	}
	return premium, nil
}

func (p *PostgresProvider) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
