package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/albapepper/stockwatch/internal/notifications"
)

// Chat sends messages to Telegram chats. The address is the numeric chat id
// the user linked to their account.
type Chat struct {
	bot    *tele.Bot
	logger *slog.Logger
}

// NewChat creates a Telegram chat adapter. Returns (nil, nil) if token is
// empty. apiURL overrides the Bot API endpoint and may be empty.
func NewChat(token, apiURL string, timeout time.Duration, logger *slog.Logger) (*Chat, error) {
	if token == "" {
		return nil, nil
	}
	// Offline skips the getMe handshake; the bot only sends.
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     apiURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Chat{bot: bot, logger: logger}, nil
}

// Channel implements notifications.Notifier.
func (c *Chat) Channel() notifications.Channel { return notifications.ChannelChat }

// Send delivers msg as an HTML formatted chat message.
func (c *Chat) Send(ctx context.Context, address string, msg notifications.Message) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", address, err)
	}

	type sent struct {
		m   *tele.Message
		err error
	}
	done := make(chan sent, 1)
	go func() {
		m, err := c.bot.Send(&tele.Chat{ID: chatID}, msg.HTML(), &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		done <- sent{m, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("telegram send: %w", r.err)
		}
		c.logger.Debug("Chat message sent", "chat_id", chatID, "message_id", r.m.ID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
