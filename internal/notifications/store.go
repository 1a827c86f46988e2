package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists in-app notifications in the notifications table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert persists one record.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, "notification_insert",
		rec.ID, rec.UserID, rec.Category, rec.Frequency, rec.Severity,
		rec.Subject, rec.Title, rec.Body, rec.BranchID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListForUser returns the newest notifications of a user.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "notification_list_for_user", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.Category, &r.Frequency, &r.Severity,
			&r.Subject, &r.Title, &r.Body, &r.BranchID, &r.CreatedAt, &r.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRead marks a user's notification read. Already-read rows keep their
// original timestamp.
func (s *PostgresStore) MarkRead(ctx context.Context, userID string, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2`, id, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// PurgeRead deletes read notifications older than the cutoff.
func (s *PostgresStore) PurgeRead(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM notifications
		WHERE read_at IS NOT NULL AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
