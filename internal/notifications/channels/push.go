// Package channels holds the external delivery adapters used by the
// notification dispatcher: an HTTP push gateway, a transactional email API
// and a Telegram bot for chat messages.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/albapepper/stockwatch/internal/notifications"
)

// Push sends push notifications through an HTTP push gateway (FCM-compatible
// relay). One device token per call.
type Push struct {
	client *resty.Client
	logger *slog.Logger
}

type pushRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// NewPush creates a push adapter. Returns nil if gatewayURL is empty
// (push disabled).
func NewPush(gatewayURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Push {
	if gatewayURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(gatewayURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Push{client: client, logger: logger}
}

// Channel implements notifications.Notifier.
func (p *Push) Channel() notifications.Channel { return notifications.ChannelPush }

// Send delivers msg to one device token.
func (p *Push) Send(ctx context.Context, token string, msg notifications.Message) error {
	data := map[string]string{
		"category": string(msg.Category),
		"subject":  msg.Subject,
	}
	if msg.BranchID != "" {
		data["branchId"] = msg.BranchID
	}
	for k, v := range msg.Data {
		data[k] = v
	}

	var out pushResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(pushRequest{Token: token, Title: msg.Headline(), Body: msg.PlainText(), Data: data}).
		SetResult(&out).
		SetError(&out).
		Post("/send")
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway: status %d: %s", resp.StatusCode(), out.Error)
	}

	p.logger.Debug("Push sent", "message_id", out.MessageID, "subject", msg.Subject)
	return nil
}
