package channels

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/schedule"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testMessage() notifications.Message {
	return notifications.Message{
		Category:   schedule.CategoryStock,
		Severity:   "critical",
		Subject:    "Milk",
		BranchID:   "b1",
		BranchName: "Harbor",
		Items: []notifications.ItemLine{{
			Name: "Milk", Unit: "l", Quantity: decimal.NewFromInt(1), Threshold: decimal.NewFromInt(10), Severity: "critical",
		}},
	}
}

type captured struct {
	mu     sync.Mutex
	path   string
	auth   string
	body   map[string]any
	status int
}

func (c *captured) handler(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.path = r.URL.Path
		c.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}
}

func TestPush_Send(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(c.handler(`{"messageId":"m-1"}`))
	defer srv.Close()

	p := NewPush(srv.URL, "secret", time.Second, testLogger)
	require.NotNil(t, p)
	require.NoError(t, p.Send(context.Background(), "device-token", testMessage()))

	assert.Equal(t, "/send", c.path)
	assert.Equal(t, "Bearer secret", c.auth)
	assert.Equal(t, "device-token", c.body["token"])
	assert.Equal(t, "Stock alert: Milk (Harbor)", c.body["title"])
	data := c.body["data"].(map[string]any)
	assert.Equal(t, "stock_alert", data["category"])
	assert.Equal(t, "b1", data["branchId"])
}

func TestPush_ErrorStatus(t *testing.T) {
	c := &captured{status: http.StatusBadGateway}
	srv := httptest.NewServer(c.handler(`{"error":"upstream"}`))
	defer srv.Close()

	p := NewPush(srv.URL, "", time.Second, testLogger)
	err := p.Send(context.Background(), "tok", testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream")
}

func TestPush_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewPush(srv.URL, "", 5*time.Second, testLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Send(ctx, "tok", testMessage()))
}

func TestEmail_Send(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(c.handler(`{"id":"e-1"}`))
	defer srv.Close()

	e := NewEmail(srv.URL, "key", "alerts@example.com", time.Second, testLogger)
	require.NoError(t, e.Send(context.Background(), "ops@example.com", testMessage()))

	assert.Equal(t, "/emails", c.path)
	assert.Equal(t, "alerts@example.com", c.body["from"])
	assert.Equal(t, []any{"ops@example.com"}, c.body["to"])
	assert.Contains(t, c.body["text"], "Milk: 1 l left (threshold 10) [critical]")
	assert.True(t, strings.HasPrefix(c.body["html"].(string), "<p><b>"))
}

func TestEmail_ErrorStatus(t *testing.T) {
	c := &captured{status: http.StatusUnprocessableEntity}
	srv := httptest.NewServer(c.handler(`{"message":"bad address"}`))
	defer srv.Close()

	e := NewEmail(srv.URL, "", "from@example.com", time.Second, testLogger)
	err := e.Send(context.Background(), "nope", testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad address")
}

func TestChat_Send(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(c.handler(
		`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`))
	defer srv.Close()

	chat, err := NewChat("123:abc", srv.URL, time.Second, testLogger)
	require.NoError(t, err)
	require.NotNil(t, chat)

	require.NoError(t, chat.Send(context.Background(), "42", testMessage()))
	assert.Equal(t, "/bot123:abc/sendMessage", c.path)
	assert.Equal(t, "HTML", c.body["parse_mode"])
	assert.Contains(t, c.body["text"], "<b>Stock alert: Milk (Harbor)</b>")
}

func TestChat_InvalidAddress(t *testing.T) {
	chat, err := NewChat("123:abc", "http://127.0.0.1:1", time.Second, testLogger)
	require.NoError(t, err)
	assert.Error(t, chat.Send(context.Background(), "not-a-number", testMessage()))
}

func TestFromConfig_SkipsDisabled(t *testing.T) {
	got, err := FromConfig(Config{EmailAPIURL: "http://mail.local", EmailFrom: "a@b.c"}, testLogger)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, notifications.ChannelEmail, got[0].Channel())

	got, err = FromConfig(Config{}, testLogger)
	require.NoError(t, err)
	assert.Empty(t, got)
}
