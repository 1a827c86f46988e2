package alerting

import (
	"context"
	"fmt"

	"github.com/albapepper/stockwatch/internal/dedup"
	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/presence"
	"github.com/albapepper/stockwatch/internal/schedule"
	"github.com/albapepper/stockwatch/internal/stock"
)

// --------------------------------------------------------------------------
// Immediate stock path
// --------------------------------------------------------------------------

// StockResult reports what the immediate path did with one change.
type StockResult struct {
	Severity   string `json:"severity"`
	Outcome    string `json:"outcome"` // ignored, suppressed, dispatched, failed
	Recipients int    `json:"recipients"`
	Reason     string `json:"reason,omitempty"`
}

// SourceFor maps the inventory operation behind a change to its alert source.
func SourceFor(reason string) dedup.Source {
	switch reason {
	case "sale":
		return dedup.SourceSaleStockOut
	case "transfer":
		return dedup.SourceTransferStockOut
	case "adjustment":
		return dedup.SourceAdjustmentStockOut
	default:
		return dedup.SourceStockOut
	}
}

// StockChanged classifies a change and, when the item ran out and no
// overlapping alert fired within the window, alerts the branch. Items that
// are merely low or critical wait for the scheduled digest. The channel
// fan-out runs detached so the caller never waits on external channels.
func (e *Engine) StockChanged(ctx context.Context, change stock.Change) StockResult {
	item := change.Item()
	sev := item.Severity()
	res := StockResult{Severity: sev.String(), Outcome: "ignored"}
	if !item.OutOfStock() {
		return res
	}

	alert := dedup.Alert{
		Subject:  change.BranchID + ":" + item.Name,
		Severity: sev.String(),
		Source:   SourceFor(change.Reason),
	}

	outcome := e.dedup.Run(ctx, alert, func(ctx context.Context, rec dedup.Record) {
		rcpts, err := e.dir.BranchRecipients(ctx, change.BranchID)
		if err != nil {
			e.logger.Error("Failed to load branch recipients",
				"branch_id", change.BranchID, "item", item.Name, "error", err)
			res.Outcome = "failed"
			return
		}
		msg := notifications.Message{
			Category:   schedule.CategoryStock,
			Severity:   sev.String(),
			Subject:    item.Name,
			Scope:      presence.BranchScope(change.BranchID),
			BranchID:   change.BranchID,
			BranchName: change.BranchName,
			Items:      []notifications.ItemLine{itemLine(item, sev)},
			Data: map[string]string{
				"itemId":  item.ID,
				"alertId": rec.ID.String(),
				"source":  string(alert.Source),
			},
			Body: fmt.Sprintf("%s is out of stock.", item.Name),
		}
		e.dispatcher.DispatchAsync(ctx, msg, rcpts)
		res.Outcome = "dispatched"
		res.Recipients = len(rcpts)
	})
	if err := outcome.Err(); err != nil {
		res.Outcome = "suppressed"
		res.Reason = err.Error()
	}

	e.logger.Info("Stock alert evaluated",
		"item", item.Name, "branch_id", change.BranchID, "severity", res.Severity,
		"outcome", res.Outcome, "recipients", res.Recipients)
	return res
}

// --------------------------------------------------------------------------
// Broadcast
// --------------------------------------------------------------------------

// Announcement is a manual message to every active user.
type Announcement struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// BroadcastResult summarizes a broadcast.
type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Persisted  int `json:"persisted"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// Summary returns a one-line description of the broadcast.
func (r BroadcastResult) Summary() string {
	return fmt.Sprintf("%d recipients, %d persisted, %d sent, %d failed",
		r.Recipients, r.Persisted, r.Sent, r.Failed)
}

// Broadcast sends an announcement to all active users on every channel they
// enabled. It bypasses schedules and dedup but not channel preferences.
func (e *Engine) Broadcast(ctx context.Context, a Announcement) (BroadcastResult, error) {
	if a.Title == "" {
		return BroadcastResult{}, fmt.Errorf("announcement title is required")
	}
	rcpts, err := e.dir.ActiveRecipients(ctx)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("load recipients: %w", err)
	}

	msg := notifications.Message{
		Category: CategoryAnnouncement,
		Title:    a.Title,
		Body:     a.Body,
	}
	res := BroadcastResult{Recipients: len(rcpts)}
	for _, r := range e.dispatcher.Fanout(ctx, msg, rcpts) {
		if r.Persisted() {
			res.Persisted++
		}
		res.Sent += r.Succeeded()
		res.Failed += r.Failed()
	}
	e.logger.Info("Broadcast complete", "title", a.Title, "summary", res.Summary())
	return res, nil
}

// CategoryAnnouncement tags broadcast notifications. It is not schedulable.
const CategoryAnnouncement schedule.Category = "announcement"
