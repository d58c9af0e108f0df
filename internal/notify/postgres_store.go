package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists notifications in the notifications table so the
// UI can read them back.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Name() string { return "postgres" }

func (p *PostgresStore) Deliver(ctx context.Context, n *Notification) error {
	var payload []byte
	if len(n.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(n.Payload); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	var userID sql.NullString
	if n.UserID != "" {
		userID = sql.NullString{String: n.UserID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, channel, type, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, userID, string(n.Channel), n.Type, n.Message, payload, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, channel, type, message, payload, created_at
		FROM notifications
		WHERE user_id = $1 AND channel = 'user'
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		var uid sql.NullString
		var channel string
		var payload []byte
		if err := rows.Scan(&n.ID, &uid, &channel, &n.Type, &n.Message, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.UserID = uid.String
		n.Channel = Channel(channel)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", n.ID, err)
			}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
