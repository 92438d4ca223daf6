package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification is one stored notification event plus its read flag.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendNotification durably stores n and returns its id. It returns only
// after the insert has committed.
func (d *DB) AppendNotification(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	data := string(n.Data)
	if data == "" {
		data = "{}"
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, message, data, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.ID, n.UserID, n.Kind, n.Message, data, toMillis(n.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("append notification: %w", err)
	}
	return n.ID, nil
}

// ListNotifications returns the newest notifications of a user first.
func (d *DB) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, kind, message, data, is_read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n    Notification
			data string
			read int
			ts   int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &data, &read, &ts); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		n.Data = json.RawMessage(data)
		n.Read = read != 0
		n.CreatedAt = fromMillis(ts)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (d *DB) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// MarkRead flags the given notifications of userID as read, or all of them
// when ids is empty. It returns the number of rows changed.
func (d *DB) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	query := `UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`
	args := []any{userID}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}
