package handler

import (
	"net/http"
	"time"

	"github.com/albapepper/stockwatch/internal/alerting"
	"github.com/albapepper/stockwatch/internal/api/respond"
)

// SchedulerStatus reports the minute ticker state.
// @Summary Scheduler status
// @Description Returns whether the minute ticker is running, the last tick time and its result.
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {object} scheduler.Status
// @Failure 401 {object} respond.ErrorResponse
// @Router /admin/scheduler/status [get]
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		unavailable(w, "Scheduler")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, h.deps.Scheduler.Status())
}

type triggerRequest struct {
	At *time.Time `json:"at"`
}

// TriggerScheduler runs one scheduled pass immediately.
// @Summary Trigger a scheduled pass
// @Description Evaluates every schedule at the given time (default now) and dispatches the matches. Stock digests still pass through dedup.
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminToken
// @Param body body triggerRequest false "Optional evaluation time (RFC 3339)"
// @Success 200 {object} alerting.TickResult
// @Failure 400 {object} respond.ErrorResponse
// @Router /admin/scheduler/trigger [post]
func (h *Handler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		unavailable(w, "Scheduler")
		return
	}
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := respond.DecodeJSON(r, &req); err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	res := h.deps.Scheduler.TriggerNow(r.Context(), at)
	h.logger.Info("Scheduler triggered over HTTP", "summary", res.Summary())
	respond.WriteJSONObject(w, http.StatusOK, res)
}

// Broadcast sends an announcement to every active user.
// @Summary Broadcast an announcement
// @Description Persists and sends a titled announcement to every active user on their enabled channels.
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminToken
// @Param body body alerting.Announcement true "Announcement"
// @Success 200 {object} alerting.BroadcastResult
// @Failure 400 {object} respond.ErrorResponse
// @Router /admin/broadcast [post]
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		unavailable(w, "Alerting")
		return
	}
	var a alerting.Announcement
	if err := respond.DecodeJSON(r, &a); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if a.Title == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_TITLE", "title is required")
		return
	}
	res, err := h.deps.Alerts.Broadcast(r.Context(), a)
	if err != nil {
		h.logger.Error("Broadcast failed", "error", err)
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "BROADCAST_FAILED", "Broadcast failed", err.Error())
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}
