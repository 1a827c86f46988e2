package listener

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/albapepper/stockwatch/internal/stock"
)

// StockChannel is the pg_notify channel raised by the inventory trigger.
const StockChannel = "stock_changed"

// StockFunc receives decoded stock changes.
type StockFunc func(ctx context.Context, change stock.Change)

// StockChanges listens on stock_changed and forwards every valid change to h.
// Blocks until ctx is cancelled.
func StockChanges(ctx context.Context, dbURL string, h StockFunc, logger *slog.Logger) {
	Run(ctx, dbURL, StockChannel, DecodeStock(h, logger), nil, logger)
}

// DecodeStock returns a Handler that parses stock_changed payloads. Malformed
// payloads are logged and dropped.
func DecodeStock(h StockFunc, logger *slog.Logger) Handler {
	return func(ctx context.Context, payload string) {
		var change stock.Change
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			logger.Warn("Failed to parse stock change", "payload", payload, "error", err)
			return
		}
		if err := change.Validate(); err != nil {
			logger.Warn("Invalid stock change", "payload", payload, "error", err)
			return
		}

		logger.Debug("Stock change received",
			"item", change.ItemName, "branch_id", change.BranchID,
			"quantity", change.Quantity.String(), "reason", change.Reason)

		h(ctx, change)
	}
}
