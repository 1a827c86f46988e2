// Command api is the Stockwatch alerting and presence server.
//
// Usage:
//
//	stockwatch-api
//	API_PORT=8080 PRESENCE_BACKEND=redis stockwatch-api

// @title Stockwatch Alerting API
// @version 1.0.0
// @description Stock alerts, scheduled digests, presence and direct messages for branch staff. Real-time events are delivered over the /ws websocket.
// @host localhost:8000
// @BasePath /
// @schemes http https
// @contact.name Stockwatch
// @license.name MIT
// @securityDefinitions.apikey BearerToken
// @in header
// @name Authorization
// @securityDefinitions.apikey AdminToken
// @in header
// @name Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/stockwatch/internal/alerting"
	"github.com/albapepper/stockwatch/internal/api"
	"github.com/albapepper/stockwatch/internal/api/handler"
	"github.com/albapepper/stockwatch/internal/config"
	"github.com/albapepper/stockwatch/internal/db"
	"github.com/albapepper/stockwatch/internal/dedup"
	"github.com/albapepper/stockwatch/internal/listener"
	"github.com/albapepper/stockwatch/internal/maintenance"
	"github.com/albapepper/stockwatch/internal/messaging"
	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/notifications/channels"
	"github.com/albapepper/stockwatch/internal/presence"
	"github.com/albapepper/stockwatch/internal/realtime"
	"github.com/albapepper/stockwatch/internal/schedule"
	"github.com/albapepper/stockwatch/internal/scheduler"
	"github.com/albapepper/stockwatch/internal/stock"

	_ "github.com/albapepper/stockwatch/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	// Presence relay
	backend, err := newPresenceBackend(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("Failed to create presence backend", "backend", cfg.PresenceBackend, "error", err)
		os.Exit(1)
	}
	tracker := presence.NewTracker(cfg.InstanceID, backend, logger, presence.WithHeartbeat(cfg.PresenceHeartbeat))
	if err := tracker.Start(ctx); err != nil {
		logger.Error("Failed to start presence tracker", "error", err)
		os.Exit(1)
	}
	logger.Info("Presence tracker started", "backend", backend.Name(), "instance", tracker.Instance())

	// Real-time transport and direct messages
	auth := realtime.NewPostgresAuthenticator(pool.Pool)
	hub := realtime.NewHub(auth, tracker, logger)
	coordinator := messaging.NewCoordinator(
		messaging.NewPostgresStore(pool.Pool), tracker, messaging.NewConversations(), hub, logger)
	coordinator.UseRelay(tracker)
	hub.UseMessenger(coordinator)

	// Notification channels
	notifiers, err := channels.FromConfig(channels.Config{
		PushGatewayURL: cfg.PushGatewayURL,
		PushAPIKey:     cfg.PushAPIKey,
		EmailAPIURL:    cfg.EmailAPIURL,
		EmailAPIKey:    cfg.EmailAPIKey,
		EmailFrom:      cfg.EmailFrom,
		TelegramToken:  cfg.TelegramToken,
		TelegramAPIURL: cfg.TelegramAPIURL,
		Timeout:        cfg.ChannelTimeout,
	}, logger)
	if err != nil {
		logger.Error("Failed to configure notification channels", "error", err)
		os.Exit(1)
	}
	inbox := notifications.NewPostgresStore(pool.Pool)
	dispatcher := notifications.NewDispatcher(inbox, hub, cfg.ChannelTimeout, logger, notifiers...)
	logger.Info("Notification dispatcher ready", "channels", dispatcher.Channels())

	// Alerting engine
	dd := dedup.New(dedup.NewPostgresLedger(pool.Pool), cfg.DedupWindow, logger)
	matcher := schedule.NewMatcher(cfg.Location(), cfg.SchedulerWorkers, logger)
	engine := alerting.NewEngine(
		alerting.NewPostgresDirectory(pool.Pool),
		alerting.NewPostgresFeeds(pool.Pool),
		matcher, dd, dispatcher, cfg.SchedulerWorkers, logger)

	// Minute ticker
	ticker := scheduler.New(engine, dispatcher, logger, scheduler.WithLocation(cfg.Location()))
	if cfg.SchedulerEnabled {
		if err := ticker.Start(ctx); err != nil {
			logger.Error("Failed to start scheduler", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("Scheduler disabled (SCHEDULER_ENABLED=false)")
	}

	// LISTEN/NOTIFY consumer for stock mutations
	if cfg.StockListenerEnabled {
		go listener.StockChanges(ctx, cfg.DatabaseURL, func(ctx context.Context, c stock.Change) {
			engine.StockChanged(ctx, c)
		}, logger)
	}

	// Maintenance tickers (dedup and notification purges)
	mcfg := maintenance.DefaultConfig()
	mcfg.DedupRetention = cfg.DedupRetention
	go maintenance.Start(ctx, maintenance.Tasks(mcfg, dd, inbox), logger)

	// Create router
	router := api.NewRouter(api.Server{
		Deps: handler.Deps{
			DB:        pool,
			Presence:  tracker,
			Scheduler: ticker,
			Alerts:    engine,
			Messenger: coordinator,
			Inbox:     inbox,
		},
		Auth:     auth,
		Realtime: hub,
	}, cfg, logger)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Stockwatch API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	if err := ticker.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler stop error", "error", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Error("Dispatches still in flight", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("Realtime shutdown error", "error", err)
	}
	if err := tracker.Close(shutdownCtx); err != nil {
		logger.Error("Presence shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}

// newPresenceBackend selects the relay named by PRESENCE_BACKEND.
func newPresenceBackend(ctx context.Context, cfg *config.Config, pool *db.Pool, logger *slog.Logger) (presence.Backend, error) {
	switch cfg.PresenceBackend {
	case config.PresenceRedis:
		client := presence.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		b := presence.NewRedisBackend(client, cfg.PresenceChannel, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return b, nil
	case config.PresencePostgres:
		return presence.NewPostgresBackend(pool.Pool, cfg.DatabaseURL, cfg.PresenceChannel, logger), nil
	default:
		return presence.NewLocalBackend(), nil
	}
}
