package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(name, userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Name == name && (userID == "" || ev.Member.UserID == userID) {
			n++
		}
	}
	return n
}

func (l *eventLog) last(name string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Name == name {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func memberIDs(ms []Member) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.UserID
	}
	return ids
}

func TestTracker_OnlineOnceOfflineOnLast(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker("i1", nil, testLogger)
	log := &eventLog{}
	tr.Subscribe(log.record)

	branch := BranchScope("b1")
	tr.AddConnection(ctx, branch, "u1", "c1", Meta{Name: "Ana", Role: "manager"})
	tr.AddConnection(ctx, branch, "u1", "c2", Meta{Name: "Ana", Role: "manager"})

	assert.Equal(t, 1, log.count(EventUserOnline, "u1"))
	assert.Equal(t, []string{"u1"}, memberIDs(tr.Members(branch)))
	assert.True(t, tr.IsOnline("u1"))

	tr.RemoveConnection(ctx, "c1")
	assert.Equal(t, 0, log.count(EventUserOffline, "u1"))
	assert.Equal(t, []string{"u1"}, memberIDs(tr.Members(branch)))

	tr.RemoveConnection(ctx, "c2")
	assert.Equal(t, 1, log.count(EventUserOffline, "u1"))
	assert.Empty(t, tr.Members(branch))
	assert.False(t, tr.IsOnline("u1"))

	// member list follows every transition
	assert.Equal(t, 4, log.count(EventMembers, ""))
	last, ok := log.last(EventMembers)
	require.True(t, ok)
	assert.Empty(t, last.Members)
}

func TestTracker_EventPayloads(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker("i1", nil, testLogger)
	log := &eventLog{}
	tr.Subscribe(log.record)

	tr.AddConnection(ctx, BranchScope("b7"), "u9", "c1", Meta{Name: "Bo", Role: "clerk", PhotoURL: "http://x/p.png"})
	online, ok := log.last(EventUserOnline)
	require.True(t, ok)
	assert.Equal(t, Member{UserID: "u9", BranchID: "b7", Name: "Bo", Role: "clerk", PhotoURL: "http://x/p.png"}, online.Payload())

	tr.RemoveConnection(ctx, "c1")
	offline, _ := log.last(EventUserOffline)
	assert.Equal(t, map[string]string{"userId": "u9", "branchId": "b7"}, offline.Payload())

	members, _ := log.last(EventMembers)
	data, err := json.Marshal(members.Payload())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestTracker_DuplicateAndUnknownConnections(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker("i1", nil, testLogger)
	log := &eventLog{}
	tr.Subscribe(log.record)

	tr.AddConnection(ctx, "branch:b1", "u1", "c1", Meta{})
	tr.AddConnection(ctx, "branch:b1", "u1", "c1", Meta{})
	tr.RemoveConnection(ctx, "nope")

	assert.Equal(t, 1, log.count(EventMembers, ""))
	assert.Equal(t, 1, tr.Stats().Connections)
}

func TestTracker_MultipleScopes(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker("i1", nil, testLogger)

	tr.AddConnection(ctx, "branch:b1", "u1", "c1", Meta{})
	tr.AddConnection(ctx, "branch:b2", "u1", "c2", Meta{})
	tr.RemoveConnection(ctx, "c1")

	assert.Empty(t, tr.Members("branch:b1"))
	assert.Equal(t, []string{"u1"}, memberIDs(tr.Members("branch:b2")))
	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, Stats{Backend: "local", Instance: "i1", Scopes: 1, Connections: 1, Users: 1}, tr.Stats())
}

func TestTracker_ConcurrentChurn(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker("i1", nil, testLogger)
	log := &eventLog{}
	tr.Subscribe(log.record)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			tr.AddConnection(ctx, "branch:b1", "u1", conn, Meta{})
			tr.RemoveConnection(ctx, conn)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, tr.Members("branch:b1"))
	assert.False(t, tr.IsOnline("u1"))
	assert.Equal(t, log.count(EventUserOnline, "u1"), log.count(EventUserOffline, "u1"))
}

func TestTracker_Unsubscribe(t *testing.T) {
	tr := NewTracker("i1", nil, testLogger)
	log := &eventLog{}
	unsub := tr.Subscribe(log.record)
	unsub()
	tr.AddConnection(context.Background(), "branch:b1", "u1", "c1", Meta{})
	assert.Equal(t, 0, log.count(EventMembers, ""))
}

// twoInstances starts two trackers relaying over the given backends.
func twoInstances(t *testing.T, a, b Backend) (*Tracker, *Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ta := NewTracker("A", a, testLogger)
	tb := NewTracker("B", b, testLogger)
	require.NoError(t, ta.Start(ctx))
	require.NoError(t, tb.Start(ctx))
	return ta, tb
}

func assertConverges(t *testing.T, ta, tb *Tracker) {
	t.Helper()
	ctx := context.Background()
	logB := &eventLog{}
	tb.Subscribe(logB.record)

	ta.AddConnection(ctx, "branch:b1", "u1", "a-c1", Meta{Name: "Ana"})
	require.Eventually(t, func() bool {
		return len(tb.Members("branch:b1")) == 1 && tb.IsOnline("u1")
	}, 2*time.Second, 10*time.Millisecond)

	ev, ok := logB.last(EventUserOnline)
	require.True(t, ok)
	assert.True(t, ev.Remote)
	assert.Equal(t, "Ana", ev.Member.Name)

	// Same user connects on B: no second online event on B.
	tb.AddConnection(ctx, "branch:b1", "u1", "b-c1", Meta{Name: "Ana"})
	assert.Equal(t, 1, logB.count(EventUserOnline, "u1"))

	ta.RemoveConnection(ctx, "a-c1")
	require.Eventually(t, func() bool {
		return ta.Stats().Connections == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, tb.IsOnline("u1"))

	tb.RemoveConnection(ctx, "b-c1")
	require.Eventually(t, func() bool {
		return !ta.IsOnline("u1") && len(ta.Members("branch:b1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_LocalBackendConvergence(t *testing.T) {
	backend := NewLocalBackend()
	ta, tb := twoInstances(t, backend, backend)
	assertConverges(t, ta, tb)
}

func TestTracker_RedisBackendConvergence(t *testing.T) {
	mr := miniredis.RunT(t)
	a := NewRedisBackend(NewRedisClient(mr.Addr(), "", 0), "presence-test", testLogger)
	b := NewRedisBackend(NewRedisClient(mr.Addr(), "", 0), "presence-test", testLogger)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	require.NoError(t, a.Ping(context.Background()))
	ta, tb := twoInstances(t, a, b)
	assertConverges(t, ta, tb)
}

func TestTracker_SnapshotOnJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := NewLocalBackend()

	ta := NewTracker("A", backend, testLogger)
	require.NoError(t, ta.Start(ctx))
	ta.AddConnection(ctx, "branch:b1", "u1", "a-c1", Meta{})
	ta.AddConnection(ctx, "branch:b1", "u2", "a-c2", Meta{})

	// B starts late and catches up from A's snapshot.
	tb := NewTracker("B", backend, testLogger)
	require.NoError(t, tb.Start(ctx))
	require.Eventually(t, func() bool {
		return len(tb.Members("branch:b1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_PurgeOnClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared := NewLocalBackend()

	ta := NewTracker("A", &nonClosing{shared}, testLogger)
	tb := NewTracker("B", shared, testLogger)
	require.NoError(t, ta.Start(ctx))
	require.NoError(t, tb.Start(ctx))

	ta.AddConnection(ctx, "branch:b1", "u1", "a-c1", Meta{})
	require.Eventually(t, func() bool { return tb.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ta.Close(ctx))
	require.Eventually(t, func() bool { return !tb.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)
}

// nonClosing lets one tracker close without tearing down the shared backend.
type nonClosing struct{ *LocalBackend }

func (nonClosing) Close() error { return nil }

func TestTracker_RelayedEvents(t *testing.T) {
	backend := NewLocalBackend()
	ta, tb := twoInstances(t, backend, backend)

	got := make(chan string, 1)
	tb.OnRelay(func(scope, event string, payload json.RawMessage) {
		got <- scope + " " + event + " " + string(payload)
	})
	ta.OnRelay(func(string, string, json.RawMessage) {
		t.Error("origin must not receive its own relay")
	})

	ta.Relay(context.Background(), "user:u1", "new_message", map[string]string{"messageId": "m1"})
	select {
	case s := <-got:
		assert.Equal(t, `user:u1 new_message {"messageId":"m1"}`, s)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not received")
	}
}

func TestScopes(t *testing.T) {
	assert.Equal(t, "b1", BranchOf(BranchScope("b1")))
	assert.Equal(t, "", BranchOf(UserScope("u1")))
}

func TestTracker_RestartClearsStaleEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := NewLocalBackend()

	// A dies without Close: its subscription and heartbeat just stop.
	ctxA, killA := context.WithCancel(ctx)
	ta := NewTracker("A", backend, testLogger)
	tb := NewTracker("B", backend, testLogger)
	require.NoError(t, ta.Start(ctxA))
	require.NoError(t, tb.Start(ctx))

	ta.AddConnection(ctx, "branch:b1", "u1", "a-c1", Meta{})
	require.Eventually(t, func() bool { return tb.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)
	killA()

	restarted := NewTracker("A", backend, testLogger)
	require.NoError(t, restarted.Start(ctx))

	require.Eventually(t, func() bool {
		return !tb.IsOnline("u1") && len(tb.Members("branch:b1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, restarted.IsOnline("u1"))
}

func TestTracker_SilentPeerTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := NewLocalBackend()

	ctxA, killA := context.WithCancel(ctx)
	ta := NewTracker("A", backend, testLogger, WithHeartbeat(30*time.Millisecond))
	tb := NewTracker("B", backend, testLogger, WithHeartbeat(30*time.Millisecond))
	require.NoError(t, ta.Start(ctxA))
	require.NoError(t, tb.Start(ctx))
	logB := &eventLog{}
	tb.Subscribe(logB.record)

	ta.AddConnection(ctx, "branch:b1", "u1", "a-c1", Meta{})
	require.Eventually(t, func() bool { return tb.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)

	// Heartbeats keep a live peer's entries well past the timeout.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, tb.IsOnline("u1"))

	killA()
	require.Eventually(t, func() bool { return !tb.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)
	ev, ok := logB.last(EventUserOffline)
	require.True(t, ok)
	assert.True(t, ev.Remote)
	assert.Equal(t, "u1", ev.Member.UserID)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type envelopeLog struct {
	mu   sync.Mutex
	envs []Envelope
}

func (l *envelopeLog) record(env Envelope) {
	l.mu.Lock()
	l.envs = append(l.envs, env)
	l.mu.Unlock()
}

func (l *envelopeLog) has(match func(Envelope) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, env := range l.envs {
		if match(env) {
			return true
		}
	}
	return false
}

func TestTracker_ReapAndResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := NewLocalBackend()
	wire := &envelopeLog{}
	require.NoError(t, backend.Subscribe(ctx, wire.record))

	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	tb := NewTracker("B", backend, testLogger, WithHeartbeat(10*time.Second), WithClock(clock.Now))

	join := func(origin, user, conn string) {
		e := Entry{Scope: "branch:b1", UserID: user, ConnID: conn, JoinedAt: clock.Now(), Instance: origin}
		tb.handleEnvelope(Envelope{Origin: origin, Op: OpJoin, Entry: &e})
	}
	join("A", "u1", "a-c1")
	join("C", "u2", "c-c1")

	// C keeps beating, A goes quiet.
	clock.Advance(20 * time.Second)
	tb.handleEnvelope(Envelope{Origin: "C", Op: OpHeartbeat})
	clock.Advance(15 * time.Second)

	assert.Equal(t, []string{"A"}, tb.reapPeers())
	assert.False(t, tb.IsOnline("u1"))
	assert.True(t, tb.IsOnline("u2"))

	// A reappears: B asks only A for its entries.
	tb.handleEnvelope(Envelope{Origin: "A", Op: OpHeartbeat})
	require.Eventually(t, func() bool {
		return wire.has(func(env Envelope) bool {
			return env.Op == OpSnapshotRequest && env.Origin == "B" && env.Target == "A"
		})
	}, 2*time.Second, 10*time.Millisecond)

	// A targeted request does not purge the requester; an untargeted one does.
	tb.handleEnvelope(Envelope{Origin: "C", Op: OpSnapshotRequest, Target: "B"})
	assert.True(t, tb.IsOnline("u2"))
	tb.handleEnvelope(Envelope{Origin: "C", Op: OpSnapshotRequest, Target: "Z"})
	assert.True(t, tb.IsOnline("u2"))
	tb.handleEnvelope(Envelope{Origin: "C", Op: OpSnapshotRequest})
	assert.False(t, tb.IsOnline("u2"))
}
