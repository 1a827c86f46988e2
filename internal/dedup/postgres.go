package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger stores alert records in the alert_records table.
//
//	CREATE TABLE alert_records (
//	    id         UUID PRIMARY KEY,
//	    subject    TEXT NOT NULL,
//	    severity   TEXT NOT NULL,
//	    source     TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX alert_records_subject_created ON alert_records (subject, created_at DESC);
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Reserve runs the check and the insert in one transaction holding an advisory
// lock on the subject, so concurrent instances serialize per subject.
func (l *PostgresLedger) Reserve(ctx context.Context, rec Record, sources []Source, since time.Time) (bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", rec.Source.Group()+"|"+rec.Subject); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, "dedup_recent_exists", rec.Subject, sourceStrings(sources), since).Scan(&exists); err != nil {
		return false, fmt.Errorf("check recent: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, "dedup_insert_record",
		rec.ID, rec.Subject, rec.Severity, string(rec.Source), rec.CreatedAt); err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Recent implements Ledger.
func (l *PostgresLedger) Recent(ctx context.Context, subject string, sources []Source, since time.Time) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, "dedup_recent_exists", subject, sourceStrings(sources), since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent: %w", err)
	}
	return exists, nil
}

// Purge implements Ledger.
func (l *PostgresLedger) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, "DELETE FROM alert_records WHERE created_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("purge alert records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func sourceStrings(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
