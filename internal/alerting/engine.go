// Package alerting drives notifications from two triggers: the minute tick,
// which matches every user's schedule and sends their digests, and stock
// changes, which alert a branch immediately when an item turns critical.
//
// Scheduled flow: subscriptions → Matcher.Evaluate → per match fetch the
// feed (low stock, due events or trends) → dedup (stock only) → dispatch.
// Users are processed in parallel; the matches of one user run in order.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/albapepper/stockwatch/internal/dedup"
	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/presence"
	"github.com/albapepper/stockwatch/internal/schedule"
	"github.com/albapepper/stockwatch/internal/stock"
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Directory resolves subscriptions and recipients.
type Directory interface {
	Subscriptions(ctx context.Context, category schedule.Category) ([]schedule.Subscription, error)
	Recipient(ctx context.Context, userID string) (notifications.Recipient, error)
	BranchRecipients(ctx context.Context, branchID string) ([]notifications.Recipient, error)
	ActiveRecipients(ctx context.Context) ([]notifications.Recipient, error)
}

// Feeds supplies the content of scheduled messages.
type Feeds interface {
	LowStock(ctx context.Context, userID string) ([]stock.Item, error)
	DueEvents(ctx context.Context, userID string, from, to time.Time) ([]notifications.EventLine, error)
	Trends(ctx context.Context, userID string, since time.Time) ([]notifications.EventLine, error)
}

// Dispatcher sends messages. Implemented by *notifications.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, rcpt notifications.Recipient, msg notifications.Message) notifications.Result
	Fanout(ctx context.Context, msg notifications.Message, rcpts []notifications.Recipient) []notifications.Result
	DispatchAsync(ctx context.Context, msg notifications.Message, rcpts []notifications.Recipient)
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine evaluates schedules and stock changes and hands messages to the
// dispatcher.
type Engine struct {
	dir        Directory
	feeds      Feeds
	matcher    *schedule.Matcher
	dedup      *dedup.Deduplicator
	dispatcher Dispatcher
	workers    int
	logger     *slog.Logger
}

// NewEngine creates an engine. workers bounds how many users are dispatched
// concurrently within one tick.
func NewEngine(dir Directory, feeds Feeds, matcher *schedule.Matcher, dd *dedup.Deduplicator, dispatcher Dispatcher, workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		dir:        dir,
		feeds:      feeds,
		matcher:    matcher,
		dedup:      dd,
		dispatcher: dispatcher,
		workers:    workers,
		logger:     logger,
	}
}

// TickResult summarizes one scheduled pass.
type TickResult struct {
	At           time.Time     `json:"at"`
	Evaluated    int           `json:"evaluated"`
	Matched      int           `json:"matched"`
	Dispatched   int           `json:"dispatched"`
	Suppressed   int           `json:"suppressed"`
	Empty        int           `json:"empty"`
	ConfigErrors int           `json:"configErrors"`
	Failures     int           `json:"failures"`
	Duration     time.Duration `json:"duration"`
}

// Summary returns a one-line description of the pass.
func (r TickResult) Summary() string {
	return fmt.Sprintf("%d evaluated, %d matched, %d dispatched, %d suppressed, %d empty, %d config errors, %d failures",
		r.Evaluated, r.Matched, r.Dispatched, r.Suppressed, r.Empty, r.ConfigErrors, r.Failures)
}

// matchOutcome is the result of handling one match.
type matchOutcome int

const (
	outcomeDispatched matchOutcome = iota
	outcomeSuppressed
	outcomeEmpty
	outcomeFailed
)

// RunTick evaluates every category's subscriptions at now and dispatches the
// matches. A failing category or user never stops the rest of the pass.
func (e *Engine) RunTick(ctx context.Context, now time.Time) TickResult {
	start := time.Now()
	res := TickResult{At: now.Truncate(time.Minute)}

	var matches []schedule.Match
	for _, cat := range schedule.Categories {
		subs, err := e.dir.Subscriptions(ctx, cat)
		if err != nil {
			e.logger.Error("Failed to load subscriptions", "category", cat, "error", err)
			res.Failures++
			continue
		}
		eval := e.matcher.Evaluate(ctx, now, subs)
		res.Evaluated += eval.Evaluated
		res.ConfigErrors += len(eval.Skipped)
		matches = append(matches, eval.Matches...)
	}
	res.Matched = len(matches)

	// Group per user; one user's matches are handled sequentially so
	// scheduled stock dedup checks for that user never race.
	byUser := make(map[string][]schedule.Match)
	var users []string
	for _, m := range matches {
		if _, ok := byUser[m.UserID]; !ok {
			users = append(users, m.UserID)
		}
		byUser[m.UserID] = append(byUser[m.UserID], m)
	}
	sort.Strings(users)

	var mu sync.Mutex
	tally := func(o matchOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeDispatched:
			res.Dispatched++
		case outcomeSuppressed:
			res.Suppressed++
		case outcomeEmpty:
			res.Empty++
		case outcomeFailed:
			res.Failures++
		}
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < min(e.workers, len(users)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range jobs {
				for _, m := range byUser[userID] {
					tally(e.handleMatch(ctx, m))
				}
			}
		}()
	}
	for _, u := range users {
		select {
		case jobs <- u:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	res.Duration = time.Since(start)
	if res.Matched > 0 || res.ConfigErrors > 0 || res.Failures > 0 {
		e.logger.Info("Tick complete", "at", res.At.Format(time.RFC3339), "summary", res.Summary(),
			"duration", res.Duration.Round(time.Millisecond))
	}
	return res
}

func (e *Engine) handleMatch(ctx context.Context, m schedule.Match) matchOutcome {
	rcpt, err := e.dir.Recipient(ctx, m.UserID)
	if err != nil {
		e.logger.Warn("Failed to load recipient", "user_id", m.UserID, "error", err)
		return outcomeFailed
	}

	msg, ok, err := e.scheduledMessage(ctx, m)
	if err != nil {
		e.logger.Warn("Failed to build scheduled message",
			"user_id", m.UserID, "category", m.Category, "frequency", m.Frequency, "error", err)
		return outcomeFailed
	}
	if !ok {
		return outcomeEmpty
	}

	if m.Category != schedule.CategoryStock {
		e.dispatcher.Dispatch(ctx, rcpt, msg)
		return outcomeDispatched
	}

	alert := dedup.Alert{
		Subject:  fmt.Sprintf("%s|%s|%s", m.UserID, m.Category, m.Frequency),
		Severity: msg.Severity,
		Source:   dedup.SourceScheduledDigest,
	}
	outcome := e.dedup.Run(ctx, alert, func(ctx context.Context, _ dedup.Record) {
		e.dispatcher.Dispatch(ctx, rcpt, msg)
	})
	if err := outcome.Err(); err != nil {
		e.logger.Debug("Scheduled stock digest skipped", "user_id", m.UserID, "frequency", m.Frequency, "reason", err)
		return outcomeSuppressed
	}
	return outcomeDispatched
}

// scheduledMessage builds the message for a match. ok is false when the feed
// has nothing to report.
func (e *Engine) scheduledMessage(ctx context.Context, m schedule.Match) (notifications.Message, bool, error) {
	msg := notifications.Message{
		Category:  m.Category,
		Frequency: m.Frequency,
		Scope:     presence.UserScope(m.UserID),
		Data:      map[string]string{"frequency": string(m.Frequency)},
	}

	switch m.Category {
	case schedule.CategoryStock:
		items, err := e.feeds.LowStock(ctx, m.UserID)
		if err != nil {
			return msg, false, fmt.Errorf("low stock feed: %w", err)
		}
		worst := stock.Adequate
		for _, it := range items {
			sev := it.Severity()
			if !sev.Notifies() {
				continue
			}
			worst = max(worst, sev)
			msg.Items = append(msg.Items, itemLine(it, sev))
			if msg.BranchID == "" {
				msg.BranchID, msg.BranchName = it.BranchID, it.BranchName
			}
		}
		if len(msg.Items) == 0 {
			return msg, false, nil
		}
		msg.Severity = worst.String()
		msg.Subject = fmt.Sprintf("%d items need restocking", len(msg.Items))

	case schedule.CategoryEvent:
		from := m.At
		events, err := e.feeds.DueEvents(ctx, m.UserID, from, from.Add(horizon(m.Frequency)))
		if err != nil {
			return msg, false, fmt.Errorf("event feed: %w", err)
		}
		if len(events) == 0 {
			return msg, false, nil
		}
		msg.Events = events
		msg.Subject = fmt.Sprintf("%d upcoming events", len(events))

	case schedule.CategoryTrend:
		trends, err := e.feeds.Trends(ctx, m.UserID, m.At.Add(-horizon(m.Frequency)))
		if err != nil {
			return msg, false, fmt.Errorf("trend feed: %w", err)
		}
		if len(trends) == 0 {
			return msg, false, nil
		}
		msg.Events = trends
		msg.Subject = fmt.Sprintf("%d trending items", len(trends))

	default:
		return msg, false, fmt.Errorf("unknown category %q", m.Category)
	}
	return msg, true, nil
}

// horizon is the look-ahead (events) or look-back (trends) of a frequency.
func horizon(f schedule.Frequency) time.Duration {
	switch f {
	case schedule.Weekly:
		return 7 * 24 * time.Hour
	case schedule.Monthly:
		return 31 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func itemLine(it stock.Item, sev stock.Severity) notifications.ItemLine {
	return notifications.ItemLine{
		Name:      it.Name,
		Unit:      it.Unit,
		Quantity:  it.Quantity,
		Threshold: it.Thresholds.Threshold,
		Severity:  sev.String(),
	}
}
