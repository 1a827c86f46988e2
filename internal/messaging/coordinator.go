package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/stockwatch/internal/presence"
)

const threadStripes = 64

// Open and closed conversation views travel between instances on a scope no
// socket joins, so they never reach clients.
const (
	conversationScope = "conversations"
	eventConversation = "conversation-view"
)

// Relay shares conversation views with the other instances. Implemented by
// *presence.Tracker.
type Relay interface {
	Relay(ctx context.Context, scope, event string, payload any)
	OnRelay(fn presence.RelayFunc)
}

// conversationView is the relayed form of an open or close. An empty PeerID
// closes.
type conversationView struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId,omitempty"`
	ConnID string `json:"connId,omitempty"`
}

// Coordinator decides delivered/read state for direct messages and emits the
// matching events. Sends within one thread are serialized so transitions are
// never emitted ahead of the message they belong to.
type Coordinator struct {
	store    Store
	presence Presence
	convs    *Conversations
	emitter  Emitter
	relay    Relay
	logger   *slog.Logger
	now      func() time.Time

	threads [threadStripes]sync.Mutex
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, p Presence, convs *Conversations, emitter Emitter, logger *slog.Logger) *Coordinator {
	if convs == nil {
		convs = NewConversations()
	}
	return &Coordinator{
		store:    store,
		presence: p,
		convs:    convs,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// Conversations returns the active conversation map.
func (c *Coordinator) Conversations() *Conversations { return c.convs }

// UseRelay shares conversation views through r so a sender on any instance
// sees the receiver's open view. Call it before serving traffic.
func (c *Coordinator) UseRelay(r Relay) {
	c.relay = r
	r.OnRelay(c.applyView)
}

func (c *Coordinator) publishView(ctx context.Context, v conversationView) {
	if c.relay != nil {
		c.relay.Relay(ctx, conversationScope, eventConversation, v)
	}
}

// applyView applies a view relayed by another instance.
func (c *Coordinator) applyView(scope, event string, payload json.RawMessage) {
	if scope != conversationScope || event != eventConversation {
		return
	}
	var v conversationView
	if err := json.Unmarshal(payload, &v); err != nil || v.UserID == "" {
		c.logger.Warn("Dropped relayed conversation view", "error", err)
		return
	}
	if v.PeerID == "" {
		c.convs.Close(v.UserID, v.ConnID)
		return
	}
	c.convs.Open(v.UserID, v.PeerID, v.ConnID)
}

func (c *Coordinator) thread(a, b string) *sync.Mutex {
	if b < a {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return &c.threads[h.Sum32()%threadStripes]
}

// Send persists a message from senderID to receiverID with its delivery state
// already decided, then emits new_message to both users, messageDelivered to
// both when delivered, and messagesRead to the sender when read.
func (c *Coordinator) Send(ctx context.Context, senderID, receiverID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if senderID == receiverID {
		return Message{}, ErrSelfMessage
	}

	mu := c.thread(senderID, receiverID)
	mu.Lock()
	defer mu.Unlock()

	now := c.now().UTC()
	msg := Message{
		ID:         uuid.New(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		SentAt:     now,
	}
	if c.presence.IsOnline(receiverID) {
		msg.DeliveredAt = &now
	}
	if msg.DeliveredAt != nil && c.convs.Peer(receiverID) == senderID {
		// Read supersedes delivered and implies it.
		msg.DeliveredAt = &now
		msg.ReadAt = &now
	}

	if err := c.store.Insert(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	receiverScope := presence.UserScope(receiverID)
	senderScope := presence.UserScope(senderID)

	c.emitter.Emit(ctx, receiverScope, EventNewMessage, msg)
	c.emitter.Emit(ctx, senderScope, EventNewMessage, msg)

	if msg.DeliveredAt != nil {
		ev := DeliveredEvent{MessageID: msg.ID, DeliveredAt: *msg.DeliveredAt}
		c.emitter.Emit(ctx, senderScope, EventDelivered, ev)
		c.emitter.Emit(ctx, receiverScope, EventDelivered, ev)
	}
	if msg.ReadAt != nil {
		c.emitter.Emit(ctx, senderScope, EventRead, ReadEvent{
			MessageIDs: []uuid.UUID{msg.ID},
			ReadAt:     *msg.ReadAt,
			ReadBy:     receiverID,
		})
	}

	c.logger.Debug("Message sent",
		"message_id", msg.ID, "sender_id", senderID, "receiver_id", receiverID, "status", msg.Status())
	return msg, nil
}

// MarkRead marks the reader's messages read. Repeating the call is a no-op:
// only messages that were unread notify their sender.
func (c *Coordinator) MarkRead(ctx context.Context, readerID string, ids []uuid.UUID) ([]Message, error) {
	if len(ids) == 0 {
		return nil, ErrNoMessages
	}
	now := c.now().UTC()
	changed, err := c.store.MarkRead(ctx, readerID, ids, now)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}

	for senderID, msgs := range bySender(changed) {
		mu := c.thread(senderID, readerID)
		mu.Lock()
		ev := ReadEvent{MessageIDs: make([]uuid.UUID, len(msgs)), ReadAt: now, ReadBy: readerID}
		for i, m := range msgs {
			ev.MessageIDs[i] = m.ID
		}
		c.emitter.Emit(ctx, presence.UserScope(senderID), EventRead, ev)
		mu.Unlock()
	}
	return changed, nil
}

// DeliverPending marks every undelivered message addressed to userID as
// delivered and tells both parties. Called when the user's first connection
// appears.
func (c *Coordinator) DeliverPending(ctx context.Context, userID string) (int, error) {
	now := c.now().UTC()
	changed, err := c.store.MarkDelivered(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("mark messages delivered: %w", err)
	}

	for senderID, msgs := range bySender(changed) {
		mu := c.thread(senderID, userID)
		mu.Lock()
		for _, m := range msgs {
			ev := DeliveredEvent{MessageID: m.ID, DeliveredAt: now}
			c.emitter.Emit(ctx, presence.UserScope(senderID), EventDelivered, ev)
			c.emitter.Emit(ctx, presence.UserScope(userID), EventDelivered, ev)
		}
		mu.Unlock()
	}
	if len(changed) > 0 {
		c.logger.Info("Pending messages delivered", "user_id", userID, "count", len(changed))
	}
	return len(changed), nil
}

// Thread returns recent messages between two users.
func (c *Coordinator) Thread(ctx context.Context, userID, peerID string, limit int) ([]Message, error) {
	return c.store.Thread(ctx, userID, peerID, limit)
}

// OpenConversation records the open view and marks the peer's unread
// messages to the user as read. Returns the ids that became read.
func (c *Coordinator) OpenConversation(ctx context.Context, userID, peerID, connID string) ([]uuid.UUID, error) {
	c.convs.Open(userID, peerID, connID)
	c.publishView(ctx, conversationView{UserID: userID, PeerID: peerID, ConnID: connID})

	recent, err := c.store.Thread(ctx, userID, peerID, 200)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	var unread []uuid.UUID
	for _, m := range recent {
		if m.SenderID == peerID && m.ReadAt == nil {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) == 0 {
		return nil, nil
	}
	changed, err := c.MarkRead(ctx, userID, unread)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
	}
	return ids, nil
}

// CloseConversation clears the user's open view on connID.
func (c *Coordinator) CloseConversation(userID, connID string) {
	c.convs.Close(userID, connID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.publishView(ctx, conversationView{UserID: userID, ConnID: connID})
}

func bySender(msgs []Message) map[string][]Message {
	out := make(map[string][]Message)
	for _, m := range msgs {
		out[m.SenderID] = append(out[m.SenderID], m)
	}
	return out
}
