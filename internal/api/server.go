package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/albapepper/stockwatch/internal/api/handler"
	"github.com/albapepper/stockwatch/internal/config"
	"github.com/albapepper/stockwatch/internal/realtime"
)

// Server groups what the router mounts besides the handlers.
type Server struct {
	Deps handler.Deps
	Auth realtime.Authenticator
	// Realtime serves the websocket endpoint. Nil leaves /ws unmounted.
	Realtime http.Handler
}

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(s Server, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TimingMiddleware)

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Process-Time"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Handler dependencies ---
	h := handler.New(s.Deps, logger)

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/presence", h.HealthCheckPresence)
	})

	// Swagger UI
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/docs/doc.json")))

	// Real-time socket (authenticates its own handshake)
	if s.Realtime != nil {
		r.Handle("/ws", s.Realtime)
	}

	// Operator surface
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminMiddleware(cfg.AdminToken))
		r.Get("/scheduler/status", h.SchedulerStatus)
		r.Post("/scheduler/trigger", h.TriggerScheduler)
		r.Post("/broadcast", h.Broadcast)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if s.Auth != nil {
			r.Use(UserMiddleware(s.Auth))
		}

		// Presence
		r.Get("/presence/{branchID}", h.GetBranchPresence)

		// Stock
		r.Post("/stock/changes", h.PostStockChange)

		// Direct messages
		r.Post("/messages", h.SendMessage)
		r.Post("/messages/read", h.MarkMessagesRead)
		r.Get("/messages/{peerID}", h.GetThread)
		r.Put("/conversations/active", h.SetActiveConversation)

		// In-app notifications
		r.Get("/notifications", h.ListNotifications)
		r.Put("/notifications/{id}/read", h.MarkNotificationRead)
	})

	return r
}
