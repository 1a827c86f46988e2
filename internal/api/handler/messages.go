package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/albapepper/stockwatch/internal/api/respond"
	"github.com/albapepper/stockwatch/internal/messaging"
)

// httpConnID identifies conversation views opened over HTTP rather than a
// socket.
const httpConnID = "http"

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type readRequest struct {
	MessageIDs []uuid.UUID `json:"messageIds"`
}

type readResponse struct {
	MessageIDs []uuid.UUID `json:"messageIds"`
}

type activeRequest struct {
	PeerID       string `json:"peerId"`
	ConnectionID string `json:"connectionId"`
}

func (h *Handler) messagingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messaging.ErrEmptyContent),
		errors.Is(err, messaging.ErrSelfMessage),
		errors.Is(err, messaging.ErrNoMessages):
		respond.WriteError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
	default:
		h.logger.Error("Messaging request failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "MESSAGING_FAILED", "Message could not be processed")
	}
}

// SendMessage sends a direct message from the caller.
// @Summary Send a direct message
// @Description Persists the message with its delivery state already decided from presence and the receiver's open conversation, then emits new_message, messageDelivered and messagesRead.
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerToken
// @Param body body sendRequest true "Message"
// @Success 201 {object} messaging.Message
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/messages [post]
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Messenger == nil {
		unavailable(w, "Messaging")
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.ReceiverID == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_RECEIVER", "receiverId is required")
		return
	}
	msg, err := h.deps.Messenger.Send(r.Context(), id.UserID, req.ReceiverID, req.Content)
	if err != nil {
		h.messagingError(w, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusCreated, msg)
}

// MarkMessagesRead marks messages addressed to the caller as read.
// @Summary Mark messages read
// @Description Idempotent. Returns only the ids that changed state; their senders receive messagesRead.
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerToken
// @Param body body readRequest true "Message ids"
// @Success 200 {object} readResponse
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/messages/read [post]
func (h *Handler) MarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	if h.deps.Messenger == nil {
		unavailable(w, "Messaging")
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req readRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	changed, err := h.deps.Messenger.MarkRead(r.Context(), id.UserID, req.MessageIDs)
	if err != nil {
		h.messagingError(w, err)
		return
	}
	ids := make([]uuid.UUID, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
	}
	respond.WriteJSONObject(w, http.StatusOK, readResponse{MessageIDs: ids})
}

// GetThread returns the caller's conversation with a peer, oldest first.
// @Summary Conversation thread
// @Tags messages
// @Produce json
// @Security BearerToken
// @Param peerID path string true "Peer user id"
// @Param limit query int false "Max messages (default 50, max 500)"
// @Success 200 {array} messaging.Message
// @Router /api/v1/messages/{peerID} [get]
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	if h.deps.Messenger == nil {
		unavailable(w, "Messaging")
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.deps.Messenger.Thread(r.Context(), id.UserID, chi.URLParam(r, "peerID"), limit)
	if err != nil {
		h.messagingError(w, err)
		return
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	respond.WriteJSONObject(w, http.StatusOK, msgs)
}

// SetActiveConversation records which conversation the caller is viewing.
// @Summary Set the active conversation
// @Description A non-empty peerId opens the view and marks the peer's unread messages read; an empty peerId closes it.
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerToken
// @Param body body activeRequest true "Active conversation"
// @Success 200 {object} readResponse
// @Router /api/v1/conversations/active [put]
func (h *Handler) SetActiveConversation(w http.ResponseWriter, r *http.Request) {
	if h.deps.Messenger == nil {
		unavailable(w, "Messaging")
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req activeRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	connID := req.ConnectionID
	if connID == "" {
		connID = httpConnID
	}

	if req.PeerID == "" {
		h.deps.Messenger.CloseConversation(id.UserID, req.ConnectionID)
		respond.WriteJSONObject(w, http.StatusOK, readResponse{MessageIDs: []uuid.UUID{}})
		return
	}
	ids, err := h.deps.Messenger.OpenConversation(r.Context(), id.UserID, req.PeerID, connID)
	if err != nil {
		h.messagingError(w, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	respond.WriteJSONObject(w, http.StatusOK, readResponse{MessageIDs: ids})
}
