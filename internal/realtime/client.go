package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/albapepper/stockwatch/internal/messaging"
	"github.com/albapepper/stockwatch/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	actionTimeout  = 15 * time.Second
)

// Client actions.
const (
	ActionOpenConversation  = "open_conversation"
	ActionCloseConversation = "close_conversation"
	ActionSendMessage       = "send_message"
	ActionMarkRead          = "mark_read"
	ActionPing              = "ping"
)

// eventFrame is a server-pushed event.
type eventFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// request is a client action. ID is echoed in the ack.
type request struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ack answers one request.
type ack struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     Identity
	connID string
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, id Identity) *client {
	return &client{
		hub:    h,
		conn:   conn,
		id:     id,
		connID: uuid.NewString(),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) scopes() []string {
	return []string{presence.UserScope(c.id.UserID), presence.BranchScope(c.id.BranchID)}
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.hub.logger.Warn("Client send buffer full, disconnecting", "conn_id", c.connID)
		c.closeConn()
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) closeConn() {
	_ = c.conn.Close()
}

func (c *client) readPump() {
	defer c.closeConn()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Websocket closed unexpectedly", "conn_id", c.connID, "error", err)
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(ack{OK: false, Error: "malformed request"})
			continue
		}
		c.reply(c.handle(req))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) reply(a ack) {
	frame, err := json.Marshal(a)
	if err != nil {
		c.hub.logger.Warn("Failed to encode ack", "error", err)
		return
	}
	c.enqueue(frame)
}

// handle runs one action and builds its ack.
func (c *client) handle(req request) ack {
	res := ack{ID: req.ID}
	data, err := c.dispatch(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Data = data
	return res
}

func (c *client) dispatch(req request) (any, error) {
	m := c.hub.messenger
	if req.Action == ActionPing {
		return "pong", nil
	}
	if m == nil {
		return nil, errors.New("messaging unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch req.Action {
	case ActionOpenConversation:
		var in struct {
			PeerID string `json:"peerId"`
		}
		if err := decode(req.Data, &in); err != nil || in.PeerID == "" {
			return nil, errors.New("peerId is required")
		}
		ids, err := m.OpenConversation(ctx, c.id.UserID, in.PeerID, c.connID)
		if err != nil {
			return nil, c.internal(req.Action, err)
		}
		if ids == nil {
			ids = []uuid.UUID{}
		}
		return map[string]any{"readIds": ids}, nil

	case ActionCloseConversation:
		m.CloseConversation(c.id.UserID, c.connID)
		return nil, nil

	case ActionSendMessage:
		var in struct {
			ReceiverID string `json:"receiverId"`
			Content    string `json:"content"`
		}
		if err := decode(req.Data, &in); err != nil || in.ReceiverID == "" {
			return nil, errors.New("receiverId is required")
		}
		msg, err := m.Send(ctx, c.id.UserID, in.ReceiverID, in.Content)
		if errors.Is(err, messaging.ErrEmptyContent) || errors.Is(err, messaging.ErrSelfMessage) {
			return nil, err
		}
		if err != nil {
			return nil, c.internal(req.Action, err)
		}
		return msg, nil

	case ActionMarkRead:
		var in struct {
			MessageIDs []uuid.UUID `json:"messageIds"`
		}
		if err := decode(req.Data, &in); err != nil || len(in.MessageIDs) == 0 {
			return nil, errors.New("messageIds is required")
		}
		changed, err := m.MarkRead(ctx, c.id.UserID, in.MessageIDs)
		if err != nil {
			return nil, c.internal(req.Action, err)
		}
		return map[string]int{"updated": len(changed)}, nil
	}
	return nil, fmt.Errorf("unknown action %q", req.Action)
}

// internal logs err and hides its details from the client.
func (c *client) internal(action string, err error) error {
	c.hub.logger.Error("Client action failed", "action", action, "user_id", c.id.UserID, "error", err)
	return errors.New("internal error")
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, v)
}
