package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/schedule"
	"github.com/albapepper/stockwatch/internal/stock"
)

// ErrUnknownUser is returned when a recipient lookup finds no active user.
var ErrUnknownUser = errors.New("unknown or inactive user")

// --------------------------------------------------------------------------
// Directory
// --------------------------------------------------------------------------

// PostgresDirectory reads subscriptions and recipients through the prepared
// statements registered in internal/db.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a directory backed by the pool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// subscriptionRow mirrors one alert_schedules row joined with its user.
type subscriptionRow struct {
	UserID          string
	Timezone        *string
	Frequencies     []string
	DailyTime       *string
	WeeklyTime      *string
	MonthlyTime     *string
	WeeklyDay       *int
	MonthlyDate     *int
	LegacyFrequency *string
	LegacyTime      *string
}

// Subscriptions returns every active user's schedule for category. Rows
// without frequencies are returned as disabled schedules and never match.
func (d *PostgresDirectory) Subscriptions(ctx context.Context, category schedule.Category) ([]schedule.Subscription, error) {
	rows, err := d.pool.Query(ctx, "alert_subscriptions", string(category))
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []schedule.Subscription
	for rows.Next() {
		var r subscriptionRow
		if err := rows.Scan(&r.UserID, &r.Timezone, &r.Frequencies,
			&r.DailyTime, &r.WeeklyTime, &r.MonthlyTime,
			&r.WeeklyDay, &r.MonthlyDate, &r.LegacyFrequency, &r.LegacyTime); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub := schedule.Subscription{
			UserID:   r.UserID,
			Category: category,
			Schedule: r.schedule(),
		}
		if r.Timezone != nil {
			sub.Timezone = *r.Timezone
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// schedule converts the row, falling back to the legacy single-frequency
// columns when no frequency set is stored. Unparseable times are left unset
// so validation reports them.
func (r subscriptionRow) schedule() schedule.Schedule {
	if len(r.Frequencies) == 0 && r.LegacyFrequency != nil && *r.LegacyFrequency != "" {
		freq := schedule.Frequency(*r.LegacyFrequency)
		s := schedule.FromLegacy(freq, schedule.ClockTime{}, r.WeeklyDay, r.MonthlyDate)
		delete(s.Times, freq)
		if ct, ok := parseClock(r.LegacyTime); ok {
			s.Times[freq] = ct
		}
		return s
	}

	s := schedule.Schedule{
		Times:       make(map[schedule.Frequency]schedule.ClockTime),
		WeeklyDay:   r.WeeklyDay,
		MonthlyDate: r.MonthlyDate,
	}
	times := map[schedule.Frequency]*string{
		schedule.Daily:   r.DailyTime,
		schedule.Weekly:  r.WeeklyTime,
		schedule.Monthly: r.MonthlyTime,
	}
	for _, f := range r.Frequencies {
		freq := schedule.Frequency(f)
		s.Frequencies = append(s.Frequencies, freq)
		if ct, ok := parseClock(times[freq]); ok {
			s.Times[freq] = ct
		}
	}
	return s
}

func parseClock(v *string) (schedule.ClockTime, bool) {
	if v == nil {
		return schedule.ClockTime{}, false
	}
	ct, err := schedule.ParseClock(*v)
	return ct, err == nil
}

// Recipient loads one active user with channel preferences.
func (d *PostgresDirectory) Recipient(ctx context.Context, userID string) (notifications.Recipient, error) {
	rows, err := d.pool.Query(ctx, "recipient_by_id", userID)
	if err != nil {
		return notifications.Recipient{}, fmt.Errorf("query recipient: %w", err)
	}
	rcpts, err := scanRecipients(rows)
	if err != nil {
		return notifications.Recipient{}, err
	}
	if len(rcpts) == 0 {
		return notifications.Recipient{}, ErrUnknownUser
	}
	return rcpts[0], nil
}

// BranchRecipients loads the active users of a branch.
func (d *PostgresDirectory) BranchRecipients(ctx context.Context, branchID string) ([]notifications.Recipient, error) {
	rows, err := d.pool.Query(ctx, "recipients_by_branch", branchID)
	if err != nil {
		return nil, fmt.Errorf("query branch recipients: %w", err)
	}
	return scanRecipients(rows)
}

// ActiveRecipients loads every active user.
func (d *PostgresDirectory) ActiveRecipients(ctx context.Context) ([]notifications.Recipient, error) {
	rows, err := d.pool.Query(ctx, "recipients_active")
	if err != nil {
		return nil, fmt.Errorf("query active recipients: %w", err)
	}
	return scanRecipients(rows)
}

// scanRecipients reads (id, branch_id, name, push_enabled, email_enabled,
// chat_enabled, push_token, email, chat_id) rows.
func scanRecipients(rows pgx.Rows) ([]notifications.Recipient, error) {
	defer rows.Close()
	var out []notifications.Recipient
	for rows.Next() {
		var (
			r                   notifications.Recipient
			branchID            *string
			push, email, chat   bool
			token, addr, chatID *string
		)
		if err := rows.Scan(&r.UserID, &branchID, &r.Name, &push, &email, &chat, &token, &addr, &chatID); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if branchID != nil {
			r.BranchID = *branchID
		}
		r.Enabled = map[notifications.Channel]bool{
			notifications.ChannelPush:  push,
			notifications.ChannelEmail: email,
			notifications.ChannelChat:  chat,
		}
		r.Addresses = make(map[notifications.Channel]string)
		for ch, v := range map[notifications.Channel]*string{
			notifications.ChannelPush:  token,
			notifications.ChannelEmail: addr,
			notifications.ChannelChat:  chatID,
		} {
			if v != nil && *v != "" {
				r.Addresses[ch] = *v
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------------
// Feeds
// --------------------------------------------------------------------------

// PostgresFeeds reads scheduled message content.
type PostgresFeeds struct {
	pool *pgxpool.Pool
}

// NewPostgresFeeds creates feeds backed by the pool.
func NewPostgresFeeds(pool *pgxpool.Pool) *PostgresFeeds {
	return &PostgresFeeds{pool: pool}
}

// LowStock returns the items at or below threshold in the user's branch.
func (f *PostgresFeeds) LowStock(ctx context.Context, userID string) ([]stock.Item, error) {
	rows, err := f.pool.Query(ctx, "stock_low_for_user", userID)
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	defer rows.Close()

	var out []stock.Item
	for rows.Next() {
		var (
			it            stock.Item
			unit          *string
			threshold     decimal.Decimal
			low, critical decimal.NullDecimal
		)
		if err := rows.Scan(&it.ID, &it.Name, &it.BranchID, &it.BranchName, &unit,
			&it.Quantity, &threshold, &low, &critical); err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		if unit != nil {
			it.Unit = *unit
		}
		it.Thresholds = stock.NewThresholds(threshold, nullable(low), nullable(critical))
		out = append(out, it)
	}
	return out, rows.Err()
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

// DueEvents returns the user's branch events starting in [from, to).
func (f *PostgresFeeds) DueEvents(ctx context.Context, userID string, from, to time.Time) ([]notifications.EventLine, error) {
	rows, err := f.pool.Query(ctx, "events_due_for_user", userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	return scanEventLines(rows)
}

// Trends returns the best-selling items of the user's branch since a time.
func (f *PostgresFeeds) Trends(ctx context.Context, userID string, since time.Time) ([]notifications.EventLine, error) {
	rows, err := f.pool.Query(ctx, "trends_for_user", userID, since)
	if err != nil {
		return nil, fmt.Errorf("query trends: %w", err)
	}
	return scanEventLines(rows)
}

// scanEventLines reads (title, at, detail) rows.
func scanEventLines(rows pgx.Rows) ([]notifications.EventLine, error) {
	defer rows.Close()
	var out []notifications.EventLine
	for rows.Next() {
		var (
			ev     notifications.EventLine
			at     *time.Time
			detail *string
		)
		if err := rows.Scan(&ev.Title, &at, &detail); err != nil {
			return nil, fmt.Errorf("scan event line: %w", err)
		}
		if at != nil {
			ev.At = *at
		}
		if detail != nil {
			ev.Detail = *detail
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
