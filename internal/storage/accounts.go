package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetPremium records a user's plan locally. A nil expiry means no end date.
// Used when the local accounts table is the premium source.
func (d *DB) SetPremium(ctx context.Context, userID string, premium bool, expiry *time.Time) error {
	var exp sql.NullInt64
	if expiry != nil {
		exp = sql.NullInt64{Int64: toMillis(*expiry), Valid: true}
	}
	flag := 0
	if premium {
		flag = 1
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, is_premium, premium_expiry, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_premium     = excluded.is_premium,
			premium_expiry = excluded.premium_expiry,
			updated_at     = excluded.updated_at`,
		userID, flag, exp, toMillis(d.now()),
	)
	if err != nil {
		return fmt.Errorf("set premium: %w", err)
	}
	return nil
}

// PremiumStatus reports whether userID holds an unexpired premium plan.
// Unknown users are not premium.
func (d *DB) PremiumStatus(ctx context.Context, userID string) (bool, error) {
	var (
		flag int
		exp  sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT is_premium, premium_expiry FROM accounts WHERE user_id = ?`, userID,
	).Scan(&flag, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("premium status: %w", err)
	}
	if flag == 0 {
		return false, nil
	}
	if exp.Valid && !fromMillis(exp.Int64).After(d.now()) {
		return false, nil
	}
	return true, nil
}
