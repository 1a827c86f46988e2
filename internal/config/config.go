// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/api and cmd/alertctl.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Presence backends selectable with PRESENCE_BACKEND.
const (
	PresenceLocal    = "local"
	PresenceRedis    = "redis"
	PresencePostgres = "postgres"
)

// --------------------------------------------------------------------------
// Config is populated from environment variables.
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	LogLevel    slog.Level
	AdminToken  string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Presence relay
	PresenceBackend string
	PresenceChannel string
	InstanceID      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	// PresenceHeartbeat is how often this instance announces itself; peers
	// silent for three intervals have their entries dropped.
	PresenceHeartbeat time.Duration

	// Alerting
	DedupWindow          time.Duration
	DedupRetention       time.Duration
	ChannelTimeout       time.Duration
	SchedulerEnabled     bool
	ScheduleTimezone     string
	SchedulerWorkers     int
	StockListenerEnabled bool

	// Channels
	PushGatewayURL string
	PushAPIKey     string
	EmailAPIURL    string
	EmailAPIKey    string
	EmailFrom      string
	TelegramToken  string
	TelegramAPIURL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    envLevel("LOG_LEVEL", slog.LevelInfo),
		AdminToken:  envOr("ADMIN_TOKEN", ""),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		PresenceBackend: strings.ToLower(envOr("PRESENCE_BACKEND", PresenceLocal)),
		PresenceChannel: envOr("PRESENCE_CHANNEL", "presence"),
		InstanceID:      envOr("INSTANCE_ID", ""),
		RedisAddr:       envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   envOr("REDIS_PASSWORD", ""),
		RedisDB:         envInt("REDIS_DB", 0),

		PresenceHeartbeat: envDuration("PRESENCE_HEARTBEAT", 10*time.Second),

		DedupWindow:          envDuration("DEDUP_WINDOW", 5*time.Minute),
		DedupRetention:       envDuration("DEDUP_RETENTION", 24*time.Hour),
		ChannelTimeout:       envDuration("CHANNEL_TIMEOUT", 20*time.Second),
		SchedulerEnabled:     envBool("SCHEDULER_ENABLED", true),
		ScheduleTimezone:     envOr("SCHEDULE_TIMEZONE", "UTC"),
		SchedulerWorkers:     envInt("SCHEDULER_WORKERS", 8),
		StockListenerEnabled: envBool("STOCK_LISTENER_ENABLED", true),

		PushGatewayURL: envOr("PUSH_GATEWAY_URL", ""),
		PushAPIKey:     envOr("PUSH_API_KEY", ""),
		EmailAPIURL:    envOr("EMAIL_API_URL", ""),
		EmailAPIKey:    envOr("EMAIL_API_KEY", ""),
		EmailFrom:      envOr("EMAIL_FROM", "alerts@stockwatch.local"),
		TelegramToken:  envOr("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL: envOr("TELEGRAM_API_URL", ""),
	}

	switch cfg.PresenceBackend {
	case PresenceLocal, PresenceRedis, PresencePostgres:
	default:
		return nil, fmt.Errorf("PRESENCE_BACKEND must be local, redis or postgres, got %q", cfg.PresenceBackend)
	}
	if _, err := time.LoadLocation(cfg.ScheduleTimezone); err != nil {
		return nil, fmt.Errorf("SCHEDULE_TIMEZONE: %w", err)
	}
	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Location returns the default schedule location. Load has validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "5m") or plain seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envLevel(key string, fallback slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv(key))); err != nil {
		return fallback
	}
	return lvl
}
