package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps messages in the direct_messages table:
//
//	CREATE TABLE direct_messages (
//	    id           UUID PRIMARY KEY,
//	    sender_id    TEXT NOT NULL,
//	    receiver_id  TEXT NOT NULL,
//	    content      TEXT NOT NULL,
//	    sent_at      TIMESTAMPTZ NOT NULL,
//	    delivered_at TIMESTAMPTZ,
//	    read_at      TIMESTAMPTZ
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, m Message) error {
	_, err := s.pool.Exec(ctx, "message_insert",
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.SentAt, m.DeliveredAt, m.ReadAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, readerID string, ids []uuid.UUID, at time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, "message_mark_read", readerID, ids, at)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, receiverID string, at time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, "message_mark_delivered", receiverID, at)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) Thread(ctx context.Context, userID, peerID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "message_thread", userID, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, err
	}
	// newest first from the query
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collect(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content,
			&m.SentAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
