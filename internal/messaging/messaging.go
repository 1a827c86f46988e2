// Package messaging coordinates direct messages between users: it decides the
// delivered and read transitions of each message from live presence and the
// receiver's open conversation, persists them, and emits the real-time
// events in a fixed order.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Real-time event names.
const (
	EventNewMessage = "new_message"
	EventDelivered  = "messageDelivered"
	EventRead       = "messagesRead"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrSelfMessage  = errors.New("sender and receiver are the same user")
	ErrNoMessages   = errors.New("no message ids given")
)

// Message is one direct message. ReadAt implies DeliveredAt.
type Message struct {
	ID          uuid.UUID  `json:"messageId"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId"`
	Content     string     `json:"content"`
	SentAt      time.Time  `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// Status returns "sent", "delivered" or "read".
func (m Message) Status() string {
	switch {
	case m.ReadAt != nil:
		return "read"
	case m.DeliveredAt != nil:
		return "delivered"
	default:
		return "sent"
	}
}

// DeliveredEvent is the messageDelivered payload.
type DeliveredEvent struct {
	MessageID   uuid.UUID `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// ReadEvent is the messagesRead payload.
type ReadEvent struct {
	MessageIDs []uuid.UUID `json:"messageIds"`
	ReadAt     time.Time   `json:"readAt"`
	ReadBy     string      `json:"readBy"`
}

// Store persists messages.
type Store interface {
	Insert(ctx context.Context, m Message) error
	// MarkRead sets read_at (and delivered_at if unset) on the reader's
	// unread messages among ids and returns only those it changed.
	MarkRead(ctx context.Context, readerID string, ids []uuid.UUID, at time.Time) ([]Message, error)
	// MarkDelivered sets delivered_at on every undelivered message addressed
	// to receiverID and returns them.
	MarkDelivered(ctx context.Context, receiverID string, at time.Time) ([]Message, error)
	// Thread returns the newest messages between two users, oldest first.
	Thread(ctx context.Context, userID, peerID string, limit int) ([]Message, error)
}

// Presence answers whether a user has any live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Emitter publishes a real-time event to a scope.
type Emitter interface {
	Emit(ctx context.Context, scope, event string, payload any)
}
