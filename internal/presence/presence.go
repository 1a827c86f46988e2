// Package presence tracks live real-time connections per scope (branch) and
// per user, and keeps every instance's view of the members in a scope
// convergent through a pluggable relay Backend.
//
// State per (scope, user): absent → online on the first connection, back to
// absent when the last connection is removed. Extra connections of an online
// user do not re-fire user-online.
package presence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire event names.
const (
	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"
	EventMembers     = "online-members"
)

// BranchScope returns the presence scope of a branch.
func BranchScope(branchID string) string { return "branch:" + branchID }

// UserScope returns the private scope of a user.
func UserScope(userID string) string { return "user:" + userID }

// BranchOf returns the branch id of a branch scope, or "" for other scopes.
func BranchOf(scope string) string {
	id, ok := strings.CutPrefix(scope, "branch:")
	if !ok {
		return ""
	}
	return id
}

// Meta is the display metadata attached to a connection.
type Meta struct {
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Entry is one live connection.
type Entry struct {
	Scope    string    `json:"scope"`
	UserID   string    `json:"userId"`
	ConnID   string    `json:"connId"`
	JoinedAt time.Time `json:"joinedAt"`
	Meta     Meta      `json:"meta"`
	Instance string    `json:"instance"`
}

// Member is a user present in a scope, as sent on the wire.
type Member struct {
	UserID   string `json:"userId"`
	BranchID string `json:"branchId"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

func memberOf(e Entry) Member {
	return Member{
		UserID:   e.UserID,
		BranchID: BranchOf(e.Scope),
		Name:     e.Meta.Name,
		Role:     e.Meta.Role,
		PhotoURL: e.Meta.PhotoURL,
	}
}

// Event is a presence transition delivered to subscribers.
type Event struct {
	Name    string // EventUserOnline, EventUserOffline or EventMembers
	Scope   string
	Member  Member   // online/offline
	Members []Member // member list
	Remote  bool     // caused by another instance
}

// Payload returns the wire payload of the event.
func (e Event) Payload() any {
	switch e.Name {
	case EventUserOffline:
		return map[string]string{"userId": e.Member.UserID, "branchId": e.Member.BranchID}
	case EventMembers:
		if e.Members == nil {
			return []Member{}
		}
		return e.Members
	default:
		return e.Member
	}
}

// --------------------------------------------------------------------------
// Relay envelope
// --------------------------------------------------------------------------

// Op is a relay operation.
type Op string

const (
	OpJoin            Op = "join"
	OpLeave           Op = "leave"
	OpEvent           Op = "event"
	OpSnapshotRequest Op = "snapshot-request"
	OpSnapshot        Op = "snapshot"
	OpPurge           Op = "purge"
	OpHeartbeat       Op = "heartbeat"
)

// Envelope is one message on the relay channel.
type Envelope struct {
	Origin  string          `json:"origin"`
	Op      Op              `json:"op"`
	Entry   *Entry          `json:"entry,omitempty"`
	Entries []Entry         `json:"entries,omitempty"`
	ConnID  string          `json:"connId,omitempty"`
	Scope   string          `json:"scope,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Target limits a snapshot request to one instance. An untargeted
	// request comes from a freshly started instance.
	Target string `json:"target,omitempty"`
}

// SyncError is a failed or undecodable cross-instance relay. Presence stays
// best effort and heals on the next successful sync.
type SyncError struct {
	Op  Op
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("presence sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
