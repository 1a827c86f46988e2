// Package listener provides Postgres LISTEN/NOTIFY consumers. Each consumer
// holds a dedicated pgx connection (not from the pool) and reconnects
// automatically with a capped backoff when the connection drops.
//
// Two channels are consumed: stock_changed, raised by the inventory trigger
// and fed into the immediate alert path, and the presence relay channel used
// by presence.PostgresBackend.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Handler processes one notification payload. It runs on the listener
// goroutine, so slow work must be handed off.
type Handler func(ctx context.Context, payload string)

// Run opens a dedicated connection and listens on channel. It reconnects on
// connection loss and blocks until ctx is cancelled. Intended to be called
// with `go`. ready, if non-nil, is called after every successful LISTEN.
func Run(ctx context.Context, dbURL, channel string, handle Handler, ready func(), logger *slog.Logger) {
	backoff := reconnectBackoff
	logger = logger.With("channel", channel)

	for {
		err := listenLoop(ctx, dbURL, channel, handle, ready, logger)
		if ctx.Err() != nil {
			logger.Info("Listener stopped (context cancelled)")
			return
		}

		logger.Error("Listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL, channel string, handle Handler, ready func(), logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Listener connected")
	if ready != nil {
		ready()
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle(ctx, notification.Payload)
	}
}
