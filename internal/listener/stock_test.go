package listener

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/stock"
)

type recordingHandler struct {
	changes []stock.Change
}

func (r *recordingHandler) StockChanged(_ context.Context, c stock.Change) {
	r.changes = append(r.changes, c)
}

func TestDecodeStock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &recordingHandler{}
	handle := DecodeStock(h.StockChanged, logger)

	handle(context.Background(), `{"item_id":"i1","item_name":"Coca Cola","branch_id":"b1","quantity":"0","threshold_level":"24","reason":"sale"}`)
	handle(context.Background(), `not json`)
	handle(context.Background(), `{"item_id":"i2","quantity":"1","threshold_level":"5"}`)

	require.Len(t, h.changes, 1)
	c := h.changes[0]
	assert.Equal(t, "Coca Cola", c.ItemName)
	assert.Equal(t, "sale", c.Reason)
	assert.Equal(t, stock.Critical, c.Item().Severity())
	assert.Equal(t, "4.8", c.Item().Thresholds.Critical.String())
}
