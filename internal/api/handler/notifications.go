package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/albapepper/stockwatch/internal/api/respond"
	"github.com/albapepper/stockwatch/internal/notifications"
)

// ListNotifications returns the caller's newest in-app notifications.
// @Summary List notifications
// @Tags notifications
// @Produce json
// @Security BearerToken
// @Param limit query int false "Max records (default 50, max 200)"
// @Success 200 {array} notifications.Record
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.deps.Inbox == nil {
		unavailable(w, "Notifications")
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.deps.Inbox.ListForUser(r.Context(), id.UserID, limit)
	if err != nil {
		h.logger.Error("Failed to list notifications", "user_id", id.UserID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "QUERY_FAILED", "Notifications could not be loaded")
		return
	}
	if recs == nil {
		recs = []notifications.Record{}
	}
	respond.WriteJSONObject(w, http.StatusOK, recs)
}

// MarkNotificationRead marks one of the caller's notifications read.
// @Summary Mark a notification read
// @Tags notifications
// @Security BearerToken
// @Param id path string true "Notification id"
// @Success 204
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/notifications/{id}/read [put]
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if h.deps.Inbox == nil {
		unavailable(w, "Notifications")
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	nid, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_ID", "id must be a UUID")
		return
	}
	if err := h.deps.Inbox.MarkRead(r.Context(), id.UserID, nid, time.Now().UTC()); err != nil {
		h.logger.Error("Failed to mark notification read", "user_id", id.UserID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "UPDATE_FAILED", "Notification could not be updated")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
