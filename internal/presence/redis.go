package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the relay channel name shared by every backend.
const DefaultChannel = "presence"

// RedisBackend relays envelopes over Redis pub/sub.
type RedisBackend struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisClient creates a Redis client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisBackend creates a backend on an existing client. The client is
// closed with the backend.
func NewRedisBackend(client *redis.Client, channel string, logger *slog.Logger) *RedisBackend {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBackend{client: client, channel: channel, logger: logger}
}

func (b *RedisBackend) Name() string { return "redis" }

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBackend) Subscribe(ctx context.Context, fn func(Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("Presence relay dropped",
						"error", &SyncError{Op: "decode", Err: err})
					continue
				}
				fn(env)
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}()
	return nil
}

func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	return b.client.Close()
}
