// Package db provides a pgxpool-based connection pool with prepared statement
// registration, embedded migrations and health checking.
package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/stockwatch/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies the embedded migrations in file name order, each in its own
// transaction. Migrations are idempotent and safe to rerun.
func Migrate(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var applied []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sql, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, string(sql))
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", e.Name(), err)
		}
		applied = append(applied, e.Name())
	}
	return applied, nil
}

// Statements are the prepared statements registered on every connection,
// keyed by the name the stores pass to Query/Exec.
var Statements = map[string]string{
	// Health
	"health_check": "SELECT 1",

	// Dedup ledger
	"dedup_recent_exists": `SELECT EXISTS (
		SELECT 1 FROM alert_records
		WHERE subject = $1 AND source = ANY($2::text[]) AND created_at >= $3)`,
	"dedup_insert_record": `INSERT INTO alert_records (id, subject, severity, source, created_at)
		VALUES ($1, $2, $3, $4, $5)`,

	// In-app notifications
	"notification_insert": `INSERT INTO notifications
		(id, user_id, category, frequency, severity, subject, title, body, branch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"notification_list_for_user": `SELECT id, user_id, category, frequency, severity, subject,
		title, body, branch_id, created_at, read_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`,

	// Direct messages
	"message_insert": `INSERT INTO direct_messages
		(id, sender_id, receiver_id, content, sent_at, delivered_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"message_mark_read": `UPDATE direct_messages
		SET read_at = $3, delivered_at = COALESCE(delivered_at, $3)
		WHERE receiver_id = $1 AND id = ANY($2::uuid[]) AND read_at IS NULL
		RETURNING id, sender_id, receiver_id, content, sent_at, delivered_at, read_at`,
	"message_mark_delivered": `UPDATE direct_messages SET delivered_at = $2
		WHERE receiver_id = $1 AND delivered_at IS NULL
		RETURNING id, sender_id, receiver_id, content, sent_at, delivered_at, read_at`,
	"message_thread": `SELECT id, sender_id, receiver_id, content, sent_at, delivered_at, read_at
		FROM direct_messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY sent_at DESC LIMIT $3`,

	// Real-time authentication
	"auth_user_by_token": `SELECT id, role, COALESCE(branch_id, ''), name, photo_url
		FROM users WHERE api_token_hash = $1 AND is_active`,

	// Alerting directory
	"alert_subscriptions": `SELECT u.id, u.timezone, s.frequencies,
		s.daily_time::text, s.weekly_time::text, s.monthly_time::text,
		s.weekly_day, s.monthly_date, s.legacy_frequency, s.legacy_time::text
		FROM alert_schedules s JOIN users u ON u.id = s.user_id
		WHERE s.category = $1 AND u.is_active
		ORDER BY u.id`,
	"recipient_by_id": `SELECT id, branch_id, name, push_enabled, email_enabled, chat_enabled,
		push_token, email, chat_id
		FROM users WHERE id = $1 AND is_active`,
	"recipients_by_branch": `SELECT id, branch_id, name, push_enabled, email_enabled, chat_enabled,
		push_token, email, chat_id
		FROM users WHERE branch_id = $1 AND is_active ORDER BY id`,
	"recipients_active": `SELECT id, branch_id, name, push_enabled, email_enabled, chat_enabled,
		push_token, email, chat_id
		FROM users WHERE is_active ORDER BY id`,

	// Alerting feeds
	"stock_low_for_user": `SELECT i.id, i.name, i.branch_id, b.name, i.unit,
		i.quantity, i.threshold_level, i.low_level, i.critical_level
		FROM stock_items i
		JOIN branches b ON b.id = i.branch_id
		JOIN users u ON u.branch_id = i.branch_id
		WHERE u.id = $1 AND i.quantity <= i.threshold_level
		ORDER BY i.quantity, i.name`,
	"events_due_for_user": `SELECT e.title, e.starts_at, e.detail
		FROM branch_events e JOIN users u ON u.branch_id = e.branch_id
		WHERE u.id = $1 AND e.starts_at >= $2 AND e.starts_at < $3
		ORDER BY e.starts_at`,
	"trends_for_user": `SELECT i.name, MAX(s.sold_at), SUM(s.quantity)::text || ' sold'
		FROM stock_sales s
		JOIN stock_items i ON i.id = s.item_id
		JOIN users u ON u.branch_id = s.branch_id
		WHERE u.id = $1 AND s.sold_at >= $2
		GROUP BY i.id, i.name
		ORDER BY SUM(s.quantity) DESC
		LIMIT 5`,
}

// registerPreparedStatements prepares every entry of Statements on conn.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range Statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
