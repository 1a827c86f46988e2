// Command alertctl is the Stockwatch operator CLI.
//
// Usage:
//
//	alertctl migrate
//	alertctl tick --at 2025-03-10T09:00:00Z
//	alertctl broadcast --title "Closed Monday" --body "Holiday hours"
//	alertctl classify --quantity 3 --threshold 24
//	alertctl purge
//	alertctl status --url http://localhost:8000
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/albapepper/stockwatch/internal/alerting"
	"github.com/albapepper/stockwatch/internal/config"
	"github.com/albapepper/stockwatch/internal/db"
	"github.com/albapepper/stockwatch/internal/dedup"
	"github.com/albapepper/stockwatch/internal/maintenance"
	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/notifications/channels"
	"github.com/albapepper/stockwatch/internal/presence"
	"github.com/albapepper/stockwatch/internal/schedule"
	"github.com/albapepper/stockwatch/internal/scheduler"
	"github.com/albapepper/stockwatch/internal/stock"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "alertctl",
		Short:        "Stockwatch operator CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(tickCmd())
	root.AddCommand(broadcastCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(purgeCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Plain connection: the pool prepares statements against the
			// tables this creates.
			conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer conn.Close(ctx)

			applied, err := db.Migrate(ctx, conn)
			if err != nil {
				return err
			}
			logger.Info("Migrations applied", "files", applied)
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// tick command
// --------------------------------------------------------------------------

func tickCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduled pass out of band",
		Long: "Evaluates every schedule at --at (default now) and dispatches the matches. " +
			"Real-time events reach connected sockets only with a redis or postgres presence backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				when = t
			}
			return withServices(func(ctx context.Context, s *services) error {
				ticker := scheduler.New(s.engine, s.dispatcher, logger, scheduler.WithLocation(s.cfg.Location()))
				res := ticker.TriggerNow(ctx, when)
				fmt.Println(res.Summary())
				return ticker.Stop(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Evaluation time (RFC 3339)")
	return cmd
}

// --------------------------------------------------------------------------
// broadcast command
// --------------------------------------------------------------------------

func broadcastCmd() *cobra.Command {
	var title, body string
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Send an announcement to every active user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				res, err := s.engine.Broadcast(ctx, alerting.Announcement{Title: title, Body: body})
				if err != nil {
					return err
				}
				fmt.Println(res.Summary())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Announcement title")
	cmd.Flags().StringVar(&body, "body", "", "Announcement body")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// --------------------------------------------------------------------------
// classify command
// --------------------------------------------------------------------------

func classifyCmd() *cobra.Command {
	var quantity, threshold, low, critical string
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a stock level without touching the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, th, err := classify(quantity, threshold, low, critical)
			if err != nil {
				return err
			}
			fmt.Printf("%s (critical <= %s, low <= %s, threshold <= %s)\n",
				sev, th.Critical, th.Low, th.Threshold)
			return nil
		},
	}
	cmd.Flags().StringVar(&quantity, "quantity", "", "Quantity on hand")
	cmd.Flags().StringVar(&threshold, "threshold", "", "Threshold level")
	cmd.Flags().StringVar(&low, "low", "", "Low level (default 50% of threshold)")
	cmd.Flags().StringVar(&critical, "critical", "", "Critical level (default 20% of threshold)")
	_ = cmd.MarkFlagRequired("quantity")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func classify(quantity, threshold, low, critical string) (stock.Severity, stock.Thresholds, error) {
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return stock.Adequate, stock.Thresholds{}, fmt.Errorf("parse --quantity: %w", err)
	}
	th, err := decimal.NewFromString(threshold)
	if err != nil {
		return stock.Adequate, stock.Thresholds{}, fmt.Errorf("parse --threshold: %w", err)
	}
	optional := func(flag, v string) (*decimal.Decimal, error) {
		if v == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse --%s: %w", flag, err)
		}
		return &d, nil
	}
	lo, err := optional("low", low)
	if err != nil {
		return stock.Adequate, stock.Thresholds{}, err
	}
	cr, err := optional("critical", critical)
	if err != nil {
		return stock.Adequate, stock.Thresholds{}, err
	}
	t := stock.NewThresholds(th, lo, cr)
	return stock.Classify(q, t), t, nil
}

// --------------------------------------------------------------------------
// purge command
// --------------------------------------------------------------------------

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run the maintenance purges once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				mcfg := maintenance.DefaultConfig()
				mcfg.DedupRetention = s.cfg.DedupRetention
				counts, err := maintenance.RunOnce(ctx, maintenance.Tasks(mcfg, s.dedup, s.inbox), logger)
				for task, n := range counts {
					fmt.Printf("%s: %d purged\n", task, n)
				}
				return err
			})
		},
	}
}

// --------------------------------------------------------------------------
// status command
// --------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("ADMIN_TOKEN")
			}
			st, err := fetchStatus(cmd.Context(), url, token)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8000", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Admin token (default $ADMIN_TOKEN)")
	return cmd
}

func fetchStatus(ctx context.Context, baseURL, token string) (scheduler.Status, error) {
	var st scheduler.Status
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&st).
		Get("/admin/scheduler/status")
	if err != nil {
		return st, fmt.Errorf("request status: %w", err)
	}
	if resp.IsError() {
		return st, fmt.Errorf("status: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return st, nil
}

// --------------------------------------------------------------------------
// Service wiring
// --------------------------------------------------------------------------

type services struct {
	cfg        *config.Config
	engine     *alerting.Engine
	dispatcher *notifications.Dispatcher
	dedup      *dedup.Deduplicator
	inbox      *notifications.PostgresStore
}

// relayEmitter forwards real-time events through the presence backend so
// servers sharing it deliver them to their sockets.
type relayEmitter struct {
	tracker *presence.Tracker
}

func (e relayEmitter) Emit(ctx context.Context, scope, event string, payload any) {
	e.tracker.Relay(ctx, scope, event, payload)
}

func withServices(fn func(ctx context.Context, s *services) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	var backend presence.Backend
	switch cfg.PresenceBackend {
	case config.PresenceRedis:
		backend = presence.NewRedisBackend(
			presence.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg.PresenceChannel, logger)
	case config.PresencePostgres:
		backend = presence.NewPostgresBackend(pool.Pool, cfg.DatabaseURL, cfg.PresenceChannel, logger)
	default:
		backend = presence.NewLocalBackend()
	}
	tracker := presence.NewTracker("alertctl", backend, logger)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = tracker.Close(closeCtx)
	}()

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
		return fmt.Errorf("configure channels: %w", err)
	}

	inbox := notifications.NewPostgresStore(pool.Pool)
	dispatcher := notifications.NewDispatcher(inbox, relayEmitter{tracker}, cfg.ChannelTimeout, logger, notifiers...)
	dd := dedup.New(dedup.NewPostgresLedger(pool.Pool), cfg.DedupWindow, logger)
	engine := alerting.NewEngine(
		alerting.NewPostgresDirectory(pool.Pool),
		alerting.NewPostgresFeeds(pool.Pool),
		schedule.NewMatcher(cfg.Location(), cfg.SchedulerWorkers, logger),
		dd, dispatcher, cfg.SchedulerWorkers, logger)

	err = fn(ctx, &services{cfg: cfg, engine: engine, dispatcher: dispatcher, dedup: dd, inbox: inbox})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ChannelTimeout+5*time.Second)
	defer waitCancel()
	if werr := dispatcher.Wait(waitCtx); werr != nil && err == nil {
		err = fmt.Errorf("wait for dispatches: %w", werr)
	}
	return err
}
