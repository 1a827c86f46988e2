// Package realtime is the websocket transport. It authenticates each
// connection, registers it with the presence tracker, routes scoped events
// to the sockets in each scope and answers client actions with
// request/response acks.
//
// Every socket joins two scopes: its user's private scope and its branch
// scope. Events emitted here are delivered to local sockets and relayed to
// the other instances through the tracker.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/albapepper/stockwatch/internal/messaging"
	"github.com/albapepper/stockwatch/internal/presence"
)

// Messenger is the direct-message surface the socket actions call.
type Messenger interface {
	Send(ctx context.Context, senderID, receiverID, content string) (messaging.Message, error)
	MarkRead(ctx context.Context, readerID string, ids []uuid.UUID) ([]messaging.Message, error)
	OpenConversation(ctx context.Context, userID, peerID, connID string) ([]uuid.UUID, error)
	CloseConversation(userID, connID string)
	DeliverPending(ctx context.Context, userID string) (int, error)
}

// Hub owns every local socket.
type Hub struct {
	auth      Authenticator
	tracker   *presence.Tracker
	messenger Messenger
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	wg sync.WaitGroup
}

// NewHub creates a hub and subscribes it to presence events and relayed
// scoped events.
func NewHub(auth Authenticator, tracker *presence.Tracker, logger *slog.Logger) *Hub {
	h := &Hub{
		auth:    auth,
		tracker: tracker,
		logger:  logger,
		rooms:   make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is enforced by the bearer credential, not the browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	tracker.Subscribe(func(ev presence.Event) {
		h.deliver(ev.Scope, ev.Name, ev.Payload())
	})
	tracker.OnRelay(func(scope, event string, payload json.RawMessage) {
		h.deliver(scope, event, payload)
	})
	return h
}

// UseMessenger wires the message coordinator. It is set after construction
// because the coordinator emits through the hub.
func (h *Hub) UseMessenger(m Messenger) { h.messenger = m }

// Emit delivers an event to the local sockets of scope and relays it to the
// other instances.
func (h *Hub) Emit(ctx context.Context, scope, event string, payload any) {
	h.deliver(scope, event, payload)
	h.tracker.Relay(ctx, scope, event, payload)
}

// deliver writes the event to local sockets only.
func (h *Hub) deliver(scope, event string, payload any) {
	frame, err := json.Marshal(eventFrame{Event: event, Data: payload})
	if err != nil {
		h.logger.Warn("Failed to encode event", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[scope] {
		c.enqueue(frame)
	}
}

// Connections returns the number of local sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*client]struct{})
	for _, room := range h.rooms {
		for c := range room {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}

// ServeHTTP authenticates and upgrades a websocket handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r.Context(), BearerToken(r))
	if err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			h.logger.Error("Websocket authentication failed", "error", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, id)
	h.register(c)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
		h.unregister(c)
	}()
}

func (h *Hub) register(c *client) {
	ctx := context.Background()
	wasOnline := h.tracker.IsOnline(c.id.UserID)

	h.mu.Lock()
	for _, scope := range c.scopes() {
		room, ok := h.rooms[scope]
		if !ok {
			room = make(map[*client]struct{})
			h.rooms[scope] = room
		}
		room[c] = struct{}{}
	}
	h.mu.Unlock()

	h.tracker.AddConnection(ctx, presence.BranchScope(c.id.BranchID), c.id.UserID, c.connID, presence.Meta{
		Name:     c.id.Name,
		Role:     c.id.Role,
		PhotoURL: c.id.PhotoURL,
	})
	h.logger.Info("Client connected", "user_id", c.id.UserID, "branch_id", c.id.BranchID, "conn_id", c.connID)

	if !wasOnline && h.messenger != nil {
		go func() {
			if _, err := h.messenger.DeliverPending(ctx, c.id.UserID); err != nil {
				h.logger.Warn("Failed to deliver pending messages", "user_id", c.id.UserID, "error", err)
			}
		}()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	for _, scope := range c.scopes() {
		if room, ok := h.rooms[scope]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, scope)
			}
		}
	}
	h.mu.Unlock()
	c.shutdown()

	h.tracker.RemoveConnection(context.Background(), c.connID)
	if h.messenger != nil {
		h.messenger.CloseConversation(c.id.UserID, c.connID)
	}
	h.logger.Info("Client disconnected", "user_id", c.id.UserID, "conn_id", c.connID)
}

// Shutdown closes every socket and waits for their goroutines.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	var clients []*client
	seen := make(map[*client]struct{})
	for _, room := range h.rooms {
		for c := range room {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				clients = append(clients, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeConn()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
