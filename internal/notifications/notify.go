// Package notifications fans one logical alert out to every channel a user has
// enabled, persists an in-app record per recipient and emits a real-time event
// to the subject's scope.
//
// Pipeline: persist record → emit event → send on each reachable channel.
// Channel sends run concurrently, each bounded by a timeout, and one channel's
// failure never affects the others or the overall dispatch.
package notifications

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/albapepper/stockwatch/internal/schedule"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// DefaultChannelTimeout bounds a single external channel call.
	DefaultChannelTimeout = 20 * time.Second

	// EventNotification is the real-time event name for new in-app notifications.
	EventNotification = "notification"
)

// Channel is one independent delivery medium.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// Channels lists every channel in send order.
var Channels = []Channel{ChannelPush, ChannelEmail, ChannelChat}

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Recipient is a user with channel preferences and routing addresses.
type Recipient struct {
	UserID    string
	BranchID  string
	Name      string
	Enabled   map[Channel]bool
	Addresses map[Channel]string // phone/chat id, email, push token
}

// Route is a channel the recipient can be reached on.
type Route struct {
	Channel Channel
	Address string
}

// Routes returns the enabled channels that have a routing address.
func (r Recipient) Routes() []Route {
	var routes []Route
	for _, ch := range Channels {
		if !r.Enabled[ch] {
			continue
		}
		addr := r.Addresses[ch]
		if addr == "" {
			continue
		}
		routes = append(routes, Route{Channel: ch, Address: addr})
	}
	return routes
}

// ItemLine is one stock item in a message.
type ItemLine struct {
	Name      string
	Unit      string
	Quantity  decimal.Decimal
	Threshold decimal.Decimal
	Severity  string
}

// EventLine is one reminder or trend entry in a message.
type EventLine struct {
	Title  string
	At     time.Time
	Detail string
}

// Message is the channel-agnostic logical notification. Each adapter renders
// it for its own medium.
type Message struct {
	Category   schedule.Category
	Frequency  schedule.Frequency // empty for immediate alerts
	Severity   string
	Subject    string
	Title      string
	Body       string
	Scope      string // real-time scope owning the subject
	BranchID   string
	BranchName string
	Items      []ItemLine
	Events     []EventLine
	Data       map[string]string
}

// Record is the persisted in-app notification for one recipient.
type Record struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"userId"`
	Category  string     `json:"category"`
	Frequency string     `json:"frequency,omitempty"`
	Severity  string     `json:"severity,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	BranchID  string     `json:"branchId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// ChannelResult is the outcome of one channel send.
type ChannelResult struct {
	Channel  Channel
	Err      error
	Duration time.Duration
}

// OK reports whether the send succeeded.
func (c ChannelResult) OK() bool { return c.Err == nil }

// Result is the outcome of dispatching to one recipient.
type Result struct {
	UserID    string
	RecordID  uuid.UUID
	RecordErr error
	Channels  []ChannelResult
}

// Succeeded returns the number of successful channel sends.
func (r Result) Succeeded() int {
	n := 0
	for _, c := range r.Channels {
		if c.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed channel sends.
func (r Result) Failed() int {
	return len(r.Channels) - r.Succeeded()
}

// Persisted reports whether the in-app record was written.
func (r Result) Persisted() bool {
	return r.RecordErr == nil && r.RecordID != uuid.Nil
}
