package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stockwatch")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, PresenceLocal, cfg.PresenceBackend)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 20*time.Second, cfg.ChannelTimeout)
	assert.Equal(t, 10*time.Second, cfg.PresenceHeartbeat)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stockwatch")
	t.Setenv("PRESENCE_BACKEND", "Redis")
	t.Setenv("DEDUP_WINDOW", "90")
	t.Setenv("CHANNEL_TIMEOUT", "5s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SCHEDULE_TIMEZONE", "Europe/Madrid")
	t.Setenv("PRESENCE_HEARTBEAT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, PresenceRedis, cfg.PresenceBackend)
	assert.Equal(t, 90*time.Second, cfg.DedupWindow)
	assert.Equal(t, 5*time.Second, cfg.ChannelTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowOrigins)
	assert.Equal(t, "Europe/Madrid", cfg.Location().String())
	assert.Equal(t, 2*time.Second, cfg.PresenceHeartbeat)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stockwatch")
	t.Setenv("PRESENCE_BACKEND", "kafka")
	_, err := Load()
	require.Error(t, err)
}
