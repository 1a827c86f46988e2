package channels

import (
	"log/slog"
	"time"

	"github.com/albapepper/stockwatch/internal/notifications"
)

// Config selects and configures the external channels. A channel with an
// empty endpoint or token is disabled.
type Config struct {
	PushGatewayURL string
	PushAPIKey     string

	EmailAPIURL string
	EmailAPIKey string
	EmailFrom   string

	TelegramToken  string
	TelegramAPIURL string

	Timeout time.Duration
}

// FromConfig builds every configured notifier. Disabled channels are left out
// so the dispatcher only routes to channels that can deliver.
func FromConfig(cfg Config, logger *slog.Logger) ([]notifications.Notifier, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = notifications.DefaultChannelTimeout
	}

	var out []notifications.Notifier
	if p := NewPush(cfg.PushGatewayURL, cfg.PushAPIKey, timeout, logger); p != nil {
		out = append(out, p)
	}
	if e := NewEmail(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, timeout, logger); e != nil {
		out = append(out, e)
	}
	chat, err := NewChat(cfg.TelegramToken, cfg.TelegramAPIURL, timeout, logger)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		out = append(out, chat)
	}

	names := make([]string, 0, len(out))
	for _, n := range out {
		names = append(names, string(n.Channel()))
	}
	logger.Info("Notification channels configured", "channels", names)
	return out, nil
}
