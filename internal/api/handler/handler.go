// Package handler provides HTTP handlers for all API endpoints. Handlers
// depend on narrow interfaces so the router can be exercised without a
// database.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/stockwatch/internal/alerting"
	"github.com/albapepper/stockwatch/internal/api/respond"
	"github.com/albapepper/stockwatch/internal/messaging"
	"github.com/albapepper/stockwatch/internal/notifications"
	"github.com/albapepper/stockwatch/internal/presence"
	"github.com/albapepper/stockwatch/internal/realtime"
	"github.com/albapepper/stockwatch/internal/scheduler"
	"github.com/albapepper/stockwatch/internal/stock"
)

// --------------------------------------------------------------------------
// Dependencies
// --------------------------------------------------------------------------

// Pinger verifies database connectivity. Implemented by *db.Pool.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Presence is the read side of the presence tracker.
type Presence interface {
	Members(scope string) []presence.Member
	Stats() presence.Stats
}

// Scheduler is the admin surface of the minute ticker.
type Scheduler interface {
	Status() scheduler.Status
	TriggerNow(ctx context.Context, at time.Time) alerting.TickResult
}

// Alerts runs the immediate stock path and broadcasts.
type Alerts interface {
	StockChanged(ctx context.Context, change stock.Change) alerting.StockResult
	Broadcast(ctx context.Context, a alerting.Announcement) (alerting.BroadcastResult, error)
}

// Messenger is the direct-message surface.
type Messenger interface {
	Send(ctx context.Context, senderID, receiverID, content string) (messaging.Message, error)
	MarkRead(ctx context.Context, readerID string, ids []uuid.UUID) ([]messaging.Message, error)
	Thread(ctx context.Context, userID, peerID string, limit int) ([]messaging.Message, error)
	OpenConversation(ctx context.Context, userID, peerID, connID string) ([]uuid.UUID, error)
	CloseConversation(userID, connID string)
}

// Inbox reads and acknowledges in-app notifications.
type Inbox interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]notifications.Record, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID, at time.Time) error
}

// Deps groups the handler collaborators. Nil fields disable the endpoints
// that need them.
type Deps struct {
	DB        Pinger
	Presence  Presence
	Scheduler Scheduler
	Alerts    Alerts
	Messenger Messenger
	Inbox     Inbox
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Handler with shared dependencies.
func New(deps Deps, logger *slog.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// --------------------------------------------------------------------------
// Request identity
// --------------------------------------------------------------------------

type identityKey struct{}

// WithIdentity stores the authenticated user in ctx.
func WithIdentity(ctx context.Context, id realtime.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the authenticated user stored by WithIdentity.
func IdentityFrom(ctx context.Context) (realtime.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(realtime.Identity)
	return id, ok
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (realtime.Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		respond.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	}
	return id, ok
}

func unavailable(w http.ResponseWriter, what string) {
	respond.WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", what+" is not configured")
}

// --------------------------------------------------------------------------
// Meta and health
// --------------------------------------------------------------------------

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":     "Stockwatch Alerting API",
		"version":  "1.0.0",
		"status":   "running",
		"docs":     "/docs",
		"realtime": "/ws",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil || h.deps.DB.HealthCheck(r.Context()) != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckPresence reports presence tracker statistics.
// @Summary Presence health check
// @Description Returns the relay backend, instance id and tracked connection counts.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/presence [get]
func (h *Handler) HealthCheckPresence(w http.ResponseWriter, r *http.Request) {
	if h.deps.Presence == nil {
		unavailable(w, "Presence")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"presence":  h.deps.Presence.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
