package messaging

import "sync"

// Conversations maps each user to the peer whose conversation they are
// currently viewing. It is ephemeral and never persisted; views opened on
// other instances arrive through Coordinator.UseRelay.
type Conversations struct {
	mu     sync.Mutex
	active map[string]view
}

type view struct {
	peerID string
	connID string
}

// NewConversations creates an empty map.
func NewConversations() *Conversations {
	return &Conversations{active: make(map[string]view)}
}

// Open records that userID is viewing the conversation with peerID on connID.
// The most recent open wins.
func (c *Conversations) Open(userID, peerID, connID string) {
	c.mu.Lock()
	c.active[userID] = view{peerID: peerID, connID: connID}
	c.mu.Unlock()
}

// Close clears the user's open conversation if it was opened on connID. An
// empty connID clears it unconditionally.
func (c *Conversations) Close(userID, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.active[userID]
	if !ok {
		return
	}
	if connID == "" || v.connID == connID {
		delete(c.active, userID)
	}
}

// Peer returns the peer userID is viewing, or "".
func (c *Conversations) Peer(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[userID].peerID
}

// Len returns the number of open conversations.
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
