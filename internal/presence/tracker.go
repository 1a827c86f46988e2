package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHeartbeat is the liveness interval when none is configured. A peer
// silent for peerTimeoutBeats intervals is treated as gone.
const (
	DefaultHeartbeat = 10 * time.Second
	peerTimeoutBeats = 3
)

// snapshotBatch bounds the entries per snapshot envelope so each one fits a
// pg_notify payload.
const snapshotBatch = 20

// RelayFunc receives a scoped event relayed from another instance.
type RelayFunc func(scope, event string, payload json.RawMessage)

// Tracker owns the presence state of this instance: its own connections plus
// the entries relayed from peers.
type Tracker struct {
	instance string
	backend  Backend
	logger   *slog.Logger
	now      func() time.Time

	heartbeat time.Duration
	peersMu   sync.Mutex
	peers     map[string]time.Time // origin → last envelope
	cancel    context.CancelFunc

	mu     sync.Mutex
	scopes map[string]*scopeState
	conns  map[string]string // connID → scope
	online map[string]int    // userID → live connections across scopes

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
	relays  []RelayFunc
}

// scopeState is guarded by its own mutex so mutations serialize per scope.
type scopeState struct {
	mu      sync.Mutex
	entries map[string]Entry // connID → entry
	users   map[string]int   // userID → connections in this scope
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHeartbeat sets the liveness interval. Non-positive values keep the
// default.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.heartbeat = interval
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker relaying through backend. An empty instance
// id is replaced by a random one.
func NewTracker(instance string, backend Backend, logger *slog.Logger, opts ...Option) *Tracker {
	if instance == "" {
		instance = uuid.NewString()
	}
	if backend == nil {
		backend = NewLocalBackend()
	}
	t := &Tracker{
		instance:  instance,
		backend:   backend,
		logger:    logger.With("instance", instance),
		now:       time.Now,
		heartbeat: DefaultHeartbeat,
		peers:     make(map[string]time.Time),
		scopes:    make(map[string]*scopeState),
		conns:     make(map[string]string),
		online:    make(map[string]int),
		subs:      make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Instance returns the id this tracker relays under.
func (t *Tracker) Instance() string { return t.instance }

// Backend returns the relay backend.
func (t *Tracker) Backend() Backend { return t.backend }

// Start subscribes to the relay, asks peers for their entries and starts the
// heartbeat. Call it before adding connections: peers drop whatever they
// still hold for this instance id when the snapshot request arrives.
func (t *Tracker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := t.backend.Subscribe(runCtx, t.handleEnvelope); err != nil {
		cancel()
		return fmt.Errorf("subscribe presence relay: %w", err)
	}
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.publish(runCtx, Envelope{Op: OpSnapshotRequest})
	go t.heartbeatLoop(runCtx)
	t.logger.Info("Presence tracker started", "backend", t.backend.Name(), "heartbeat", t.heartbeat)
	return nil
}

// Close tells peers to drop this instance's entries, stops the heartbeat and
// closes the backend.
func (t *Tracker) Close(ctx context.Context) error {
	t.publish(ctx, Envelope{Op: OpPurge})
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return t.backend.Close()
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

// Subscribe registers fn for every presence event and returns a function
// that removes it. fn runs synchronously under the scope's lock and must not
// call back into the tracker's mutating methods.
func (t *Tracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// OnRelay registers fn for scoped events relayed by peers.
func (t *Tracker) OnRelay(fn RelayFunc) {
	t.subMu.Lock()
	t.relays = append(t.relays, fn)
	t.subMu.Unlock()
}

// Relay forwards a scoped event to the other instances.
func (t *Tracker) Relay(ctx context.Context, scope, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn("Failed to encode relayed event", "event", event, "error", err)
		return
	}
	t.publish(ctx, Envelope{Op: OpEvent, Scope: scope, Event: event, Payload: data})
}

func (t *Tracker) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	t.subMu.RLock()
	fns := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// AddConnection registers a local connection and relays it to peers.
// Re-adding a known connection id is a no-op.
func (t *Tracker) AddConnection(ctx context.Context, scope, userID, connID string, meta Meta) Entry {
	e := Entry{
		Scope:    scope,
		UserID:   userID,
		ConnID:   connID,
		JoinedAt: t.now().UTC(),
		Meta:     meta,
		Instance: t.instance,
	}
	if !t.join(e, false) {
		return e
	}
	t.publish(ctx, Envelope{Op: OpJoin, Entry: &e})
	return e
}

// RemoveConnection drops a connection by id and relays the removal. Unknown
// ids are ignored, so disconnect paths may call it more than once.
func (t *Tracker) RemoveConnection(ctx context.Context, connID string) {
	t.mu.Lock()
	scope, ok := t.conns[connID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if t.leave(scope, connID, false) {
		t.publish(ctx, Envelope{Op: OpLeave, Scope: scope, ConnID: connID})
	}
}

func (t *Tracker) scope(name string) *scopeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.scopes[name]
	if !ok {
		st = &scopeState{entries: make(map[string]Entry), users: make(map[string]int)}
		t.scopes[name] = st
	}
	return st
}

// join applies an entry. Reports whether it was new.
func (t *Tracker) join(e Entry, remote bool) bool {
	st := t.scope(e.Scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, dup := st.entries[e.ConnID]; dup {
		return false
	}
	st.entries[e.ConnID] = e
	st.users[e.UserID]++
	first := st.users[e.UserID] == 1

	t.mu.Lock()
	t.conns[e.ConnID] = e.Scope
	t.online[e.UserID]++
	t.mu.Unlock()

	events := make([]Event, 0, 2)
	if first {
		events = append(events, Event{Name: EventUserOnline, Scope: e.Scope, Member: memberOf(e), Remote: remote})
	}
	events = append(events, Event{Name: EventMembers, Scope: e.Scope, Members: st.members(), Remote: remote})
	t.emit(events)
	return true
}

// leave removes an entry. Reports whether it existed.
func (t *Tracker) leave(scope, connID string, remote bool) bool {
	st := t.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[connID]
	if !ok {
		return false
	}
	delete(st.entries, connID)
	st.users[e.UserID]--
	last := st.users[e.UserID] == 0
	if last {
		delete(st.users, e.UserID)
	}

	t.mu.Lock()
	delete(t.conns, connID)
	t.online[e.UserID]--
	if t.online[e.UserID] <= 0 {
		delete(t.online, e.UserID)
	}
	t.mu.Unlock()

	events := make([]Event, 0, 2)
	if last {
		events = append(events, Event{Name: EventUserOffline, Scope: scope, Member: memberOf(e), Remote: remote})
	}
	events = append(events, Event{Name: EventMembers, Scope: scope, Members: st.members(), Remote: remote})
	t.emit(events)
	return true
}

// members returns one Member per user, ordered by earliest join. Caller
// holds st.mu.
func (st *scopeState) members() []Member {
	first := make(map[string]Entry, len(st.users))
	for _, e := range st.entries {
		if cur, ok := first[e.UserID]; !ok || e.JoinedAt.Before(cur.JoinedAt) {
			first[e.UserID] = e
		}
	}
	entries := make([]Entry, 0, len(first))
	for _, e := range first {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
	out := make([]Member, len(entries))
	for i, e := range entries {
		out[i] = memberOf(e)
	}
	return out
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Members returns the users present in scope.
func (t *Tracker) Members(scope string) []Member {
	t.mu.Lock()
	st, ok := t.scopes[scope]
	t.mu.Unlock()
	if !ok {
		return []Member{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.members()
}

// IsOnline reports whether the user has a live connection on any instance.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID] > 0
}

// Stats is a point-in-time summary for health checks.
type Stats struct {
	Backend     string `json:"backend"`
	Instance    string `json:"instance"`
	Scopes      int    `json:"scopes"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

// Stats returns current counts.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	stats := Stats{
		Backend:     t.backend.Name(),
		Instance:    t.instance,
		Connections: len(t.conns),
		Users:       len(t.online),
	}
	states := make([]*scopeState, 0, len(t.scopes))
	for _, st := range t.scopes {
		states = append(states, st)
	}
	t.mu.Unlock()

	// Scope locks are taken before t.mu elsewhere, never inside it.
	for _, st := range states {
		st.mu.Lock()
		if len(st.entries) > 0 {
			stats.Scopes++
		}
		st.mu.Unlock()
	}
	return stats
}

// localEntries returns the entries owned by this instance.
func (t *Tracker) localEntries() []Entry {
	t.mu.Lock()
	states := make([]*scopeState, 0, len(t.scopes))
	for _, st := range t.scopes {
		states = append(states, st)
	}
	t.mu.Unlock()

	var out []Entry
	for _, st := range states {
		st.mu.Lock()
		for _, e := range st.entries {
			if e.Instance == t.instance {
				out = append(out, e)
			}
		}
		st.mu.Unlock()
	}
	return out
}

// --------------------------------------------------------------------------
// Relay
// --------------------------------------------------------------------------

func (t *Tracker) publish(ctx context.Context, env Envelope) {
	env.Origin = t.instance
	if err := t.backend.Publish(ctx, env); err != nil {
		t.logger.Warn("Presence relay failed", "error", &SyncError{Op: env.Op, Err: err})
	}
}

// handleEnvelope applies a peer's envelope locally. Remote effects are only
// emitted to local subscribers, never re-published.
func (t *Tracker) handleEnvelope(env Envelope) {
	if env.Origin == t.instance {
		return
	}
	known := t.touchPeer(env.Origin)

	switch env.Op {
	case OpJoin:
		if env.Entry == nil {
			t.logger.Warn("Presence relay dropped", "error", &SyncError{Op: env.Op, Err: fmt.Errorf("missing entry")})
			return
		}
		t.join(*env.Entry, true)
	case OpLeave:
		t.leave(env.Scope, env.ConnID, true)
	case OpSnapshot:
		for _, e := range env.Entries {
			t.join(e, true)
		}
	case OpSnapshotRequest:
		if env.Target != "" && env.Target != t.instance {
			return
		}
		if env.Target == "" {
			// A fresh instance holds no connections yet; anything still
			// listed under its id was left by a process that died.
			t.purgeInstance(env.Origin)
		}
		// Reply off the delivery goroutine; the backend may route our own
		// publish back through it.
		go t.sendSnapshot()
	case OpHeartbeat:
		if !known {
			// First sign of life, or back after being reaped: resync its
			// entries without disturbing anyone else's.
			go t.requestSnapshot(env.Origin)
		}
	case OpPurge:
		t.forgetPeer(env.Origin)
		t.purgeInstance(env.Origin)
	case OpEvent:
		t.subMu.RLock()
		relays := append([]RelayFunc(nil), t.relays...)
		t.subMu.RUnlock()
		for _, fn := range relays {
			fn(env.Scope, env.Event, env.Payload)
		}
	default:
		t.logger.Debug("Unknown presence op", "op", env.Op)
	}
}

func (t *Tracker) requestSnapshot(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.publish(ctx, Envelope{Op: OpSnapshotRequest, Target: target})
}

func (t *Tracker) sendSnapshot() {
	entries := t.localEntries()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for start := 0; start < len(entries); start += snapshotBatch {
		end := min(start+snapshotBatch, len(entries))
		t.publish(ctx, Envelope{Op: OpSnapshot, Entries: entries[start:end]})
	}
}

// purgeInstance drops every entry relayed from a departed instance.
func (t *Tracker) purgeInstance(instance string) {
	t.mu.Lock()
	var gone [][2]string
	for connID, scope := range t.conns {
		gone = append(gone, [2]string{scope, connID})
	}
	t.mu.Unlock()

	removed := 0
	for _, g := range gone {
		st := t.scope(g[0])
		st.mu.Lock()
		e, ok := st.entries[g[1]]
		st.mu.Unlock()
		if ok && e.Instance == instance && t.leave(g[0], g[1], true) {
			removed++
		}
	}
	if removed > 0 {
		t.logger.Info("Purged entries of departed instance", "peer", instance, "entries", removed)
	}
}

// --------------------------------------------------------------------------
// Liveness
// --------------------------------------------------------------------------

// heartbeatLoop announces this instance and drops peers that went silent.
func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publish(ctx, Envelope{Op: OpHeartbeat})
			t.reapPeers()
		}
	}
}

// touchPeer records an envelope from origin. Reports whether the peer was
// already known.
func (t *Tracker) touchPeer(origin string) bool {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	_, known := t.peers[origin]
	t.peers[origin] = t.now()
	return known
}

func (t *Tracker) forgetPeer(origin string) {
	t.peersMu.Lock()
	delete(t.peers, origin)
	t.peersMu.Unlock()
}

// reapPeers purges the entries of every peer not heard from within
// peerTimeoutBeats heartbeats. Returns the reaped peer ids.
func (t *Tracker) reapPeers() []string {
	cutoff := t.now().Add(-peerTimeoutBeats * t.heartbeat)
	t.peersMu.Lock()
	var stale []string
	for origin, seen := range t.peers {
		if seen.Before(cutoff) {
			stale = append(stale, origin)
			delete(t.peers, origin)
		}
	}
	t.peersMu.Unlock()

	for _, origin := range stale {
		t.logger.Debug("Presence peer timed out", "peer", origin, "after", peerTimeoutBeats*t.heartbeat)
		t.purgeInstance(origin)
	}
	return stale
}
