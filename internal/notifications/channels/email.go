package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/albapepper/stockwatch/internal/notifications"
)

// Email sends messages through a transactional email HTTP API.
type Email struct {
	client *resty.Client
	from   string
	logger *slog.Logger
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

// NewEmail creates an email adapter. Returns nil if apiURL is empty.
func NewEmail(apiURL, apiKey, from string, timeout time.Duration, logger *slog.Logger) *Email {
	if apiURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Email{client: client, from: from, logger: logger}
}

// Channel implements notifications.Notifier.
func (e *Email) Channel() notifications.Channel { return notifications.ChannelEmail }

// Send delivers msg to one address.
func (e *Email) Send(ctx context.Context, address string, msg notifications.Message) error {
	body := emailRequest{
		From:    e.from,
		To:      []string{address},
		Subject: msg.Headline(),
		Text:    msg.PlainText(),
		HTML:    "<p>" + strings.ReplaceAll(msg.HTML(), "\n", "<br>") + "</p>",
	}
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("email api: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("email api: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	e.logger.Debug("Email sent", "subject", body.Subject)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
