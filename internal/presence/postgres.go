package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/stockwatch/internal/listener"
)

const (
	// maxNotifyPayload is Postgres' NOTIFY payload limit minus headroom.
	maxNotifyPayload = 7900
	listenWait       = 10 * time.Second
)

// PostgresBackend relays envelopes over LISTEN/NOTIFY. Publishing goes
// through the pool; each subscription holds its own listener connection.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	dbURL   string
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// NewPostgresBackend creates a LISTEN/NOTIFY backend.
func NewPostgresBackend(pool *pgxpool.Pool, dbURL, channel string, logger *slog.Logger) *PostgresBackend {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresBackend{pool: pool, dbURL: dbURL, channel: channel, logger: logger}
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > maxNotifyPayload {
		return fmt.Errorf("envelope of %d bytes exceeds notify payload limit", len(data))
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(data)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe starts a listener goroutine and returns once it has issued
// LISTEN for the first time. If that takes longer than listenWait it returns
// anyway and the listener keeps reconnecting in the background.
func (b *PostgresBackend) Subscribe(ctx context.Context, fn func(Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	lctx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	ready := make(chan struct{})
	var once sync.Once
	handle := func(_ context.Context, payload string) {
		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			b.logger.Warn("Presence relay dropped",
				"error", &SyncError{Op: "decode", Err: err})
			return
		}
		fn(env)
	}
	go listener.Run(lctx, b.dbURL, b.channel, handle, func() { once.Do(func() { close(ready) }) }, b.logger)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(listenWait):
		b.logger.Warn("Presence listener not connected yet, continuing", "wait", listenWait)
		return nil
	}
}

func (b *PostgresBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	return nil
}
