package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one stored chat message.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationKey identifies the unordered pair of users a message belongs to.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// AppendMessage stores m and returns its id. An empty ID or zero CreatedAt is
// filled in.
func (d *DB) AppendMessage(ctx context.Context, m Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation, sender_id, receiver_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, ConversationKey(m.SenderID, m.ReceiverID), m.SenderID, m.ReceiverID, m.Body, toMillis(m.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

// History returns up to limit messages between a and b, oldest first. When
// before is non-zero only messages older than it are returned, which lets
// clients page backwards.
func (d *DB) History(ctx context.Context, a, b string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := int64(1<<63 - 1)
	if !before.IsZero() {
		cutoff = toMillis(before)
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, body, created_at FROM (
			SELECT id, sender_id, receiver_id, body, created_at, rowid AS seq
			FROM messages
			WHERE conversation = ? AND created_at < ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		ConversationKey(a, b), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &ts); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		m.CreatedAt = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
