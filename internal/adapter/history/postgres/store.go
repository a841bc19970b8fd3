package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strogmv/notify/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS notification_history (
	id             BIGSERIAL PRIMARY KEY,
	user_id        TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	data           JSONB,
	correlation_id TEXT,
	published_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_history_user
	ON notification_history (user_id, published_at DESC);
`

// Store appends published notifications to Postgres.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("db not configured")
	}
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply notification_history schema: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, p domain.NotificationPayload) error {
	if s.db == nil {
		return fmt.Errorf("db not configured")
	}
	var data []byte
	if len(p.Data) > 0 {
		var err error
		if data, err = json.Marshal(p.Data); err != nil {
			return fmt.Errorf("encode notification data: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_history (user_id, event_type, data, correlation_id, published_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`, p.UserID, string(p.EventType), data, p.CorrelationID, p.Timestamp)
	if err != nil {
		return fmt.Errorf("insert notification_history: %w", err)
	}
	return nil
}
