package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/presence"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore is an in-memory Store.
type memStore struct {
	mu   sync.Mutex
	msgs map[uuid.UUID]Message
	seq  []uuid.UUID
	err  error
}

func newMemStore() *memStore { return &memStore{msgs: make(map[uuid.UUID]Message)} }

func (s *memStore) Insert(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs[m.ID] = m
	s.seq = append(s.seq, m.ID)
	return nil
}

func (s *memStore) get(id uuid.UUID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	return m, ok
}

func (s *memStore) MarkRead(_ context.Context, readerID string, ids []uuid.UUID, at time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range ids {
		m, ok := s.msgs[id]
		if !ok || m.ReceiverID != readerID || m.ReadAt != nil {
			continue
		}
		t := at
		m.ReadAt = &t
		if m.DeliveredAt == nil {
			m.DeliveredAt = &t
		}
		s.msgs[id] = m
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, receiverID string, at time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.seq {
		m := s.msgs[id]
		if m.ReceiverID != receiverID || m.DeliveredAt != nil {
			continue
		}
		t := at
		m.DeliveredAt = &t
		s.msgs[id] = m
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) Thread(_ context.Context, userID, peerID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.seq {
		m := s.msgs[id]
		if (m.SenderID == userID && m.ReceiverID == peerID) || (m.SenderID == peerID && m.ReceiverID == userID) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakePresence map[string]bool

func (p fakePresence) IsOnline(userID string) bool { return p[userID] }

type emission struct {
	scope, event string
	payload      any
	stored       *Message // snapshot of the message at emit time, if any
}

type recorder struct {
	mu    sync.Mutex
	store *memStore
	out   []emission
}

func (r *recorder) Emit(_ context.Context, scope, event string, payload any) {
	e := emission{scope: scope, event: event, payload: payload}
	if m, ok := payload.(Message); ok && r.store != nil {
		if stored, found := r.store.get(m.ID); found {
			e.stored = &stored
		}
	}
	r.mu.Lock()
	r.out = append(r.out, e)
	r.mu.Unlock()
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.out))
	for i, e := range r.out {
		out[i] = e.event + "@" + e.scope
	}
	return out
}

func newTestCoordinator(p fakePresence) (*Coordinator, *memStore, *recorder) {
	store := newMemStore()
	rec := &recorder{store: store}
	c := NewCoordinator(store, p, nil, rec, testLogger)
	c.now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }
	return c, store, rec
}

func TestSend_ReceiverOffline(t *testing.T) {
	c, store, rec := newTestCoordinator(fakePresence{})

	msg, err := c.Send(context.Background(), "alice", "bob", " hi ")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "sent", msg.Status())

	stored, ok := store.get(msg.ID)
	require.True(t, ok)
	assert.Nil(t, stored.DeliveredAt)
	assert.Equal(t, []string{"new_message@user:bob", "new_message@user:alice"}, rec.events())
}

func TestSend_ReceiverOnline(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{"bob": true})

	msg, err := c.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "delivered", msg.Status())
	assert.Nil(t, msg.ReadAt)
	assert.Equal(t, []string{
		"new_message@user:bob",
		"new_message@user:alice",
		"messageDelivered@user:alice",
		"messageDelivered@user:bob",
	}, rec.events())
}

func TestSend_ReceiverViewingSender(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{"bob": true})
	c.Conversations().Open("bob", "alice", "conn-1")

	msg, err := c.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	require.NotNil(t, msg.DeliveredAt)
	require.NotNil(t, msg.ReadAt)

	// Persisted with both timestamps before new_message went out.
	first := rec.out[0]
	require.Equal(t, EventNewMessage, first.event)
	require.NotNil(t, first.stored)
	assert.NotNil(t, first.stored.DeliveredAt)
	assert.NotNil(t, first.stored.ReadAt)

	assert.Equal(t, []string{
		"new_message@user:bob",
		"new_message@user:alice",
		"messageDelivered@user:alice",
		"messageDelivered@user:bob",
		"messagesRead@user:alice",
	}, rec.events())
	read := rec.out[4].payload.(ReadEvent)
	assert.Equal(t, []uuid.UUID{msg.ID}, read.MessageIDs)
	assert.Equal(t, "bob", read.ReadBy)
}

func TestSend_ViewingOtherPeer(t *testing.T) {
	c, _, _ := newTestCoordinator(fakePresence{"bob": true})
	c.Conversations().Open("bob", "carol", "conn-1")

	msg, err := c.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "delivered", msg.Status())
}

func TestSend_Validation(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{})

	_, err := c.Send(context.Background(), "alice", "bob", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = c.Send(context.Background(), "alice", "alice", "hi")
	assert.ErrorIs(t, err, ErrSelfMessage)
	assert.Empty(t, rec.events())
}

func TestSend_StoreFailureEmitsNothing(t *testing.T) {
	c, store, rec := newTestCoordinator(fakePresence{"bob": true})
	store.err = errors.New("db down")

	_, err := c.Send(context.Background(), "alice", "bob", "hi")
	require.Error(t, err)
	assert.Empty(t, rec.events())
}

func TestMarkRead_Idempotent(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{})
	ctx := context.Background()

	m1, _ := c.Send(ctx, "alice", "bob", "one")
	m2, _ := c.Send(ctx, "carol", "bob", "two")
	rec.out = nil

	changed, err := c.MarkRead(ctx, "bob", []uuid.UUID{m1.ID, m2.ID})
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	evs := rec.events()
	sort.Strings(evs)
	assert.Equal(t, []string{"messagesRead@user:alice", "messagesRead@user:carol"}, evs)
	for _, e := range rec.out {
		ev := e.payload.(ReadEvent)
		assert.Equal(t, "bob", ev.ReadBy)
		assert.False(t, ev.ReadAt.IsZero())
		assert.Len(t, ev.MessageIDs, 1)
	}

	rec.out = nil
	changed, err = c.MarkRead(ctx, "bob", []uuid.UUID{m1.ID, m2.ID})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, rec.events())
}

func TestMarkRead_OnlyReceiverCanRead(t *testing.T) {
	c, _, _ := newTestCoordinator(fakePresence{})
	ctx := context.Background()

	m, _ := c.Send(ctx, "alice", "bob", "hi")
	changed, err := c.MarkRead(ctx, "alice", []uuid.UUID{m.ID})
	require.NoError(t, err)
	assert.Empty(t, changed)

	_, err = c.MarkRead(ctx, "bob", nil)
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestMarkRead_ImpliesDelivered(t *testing.T) {
	c, store, _ := newTestCoordinator(fakePresence{})
	ctx := context.Background()

	m, _ := c.Send(ctx, "alice", "bob", "hi")
	_, err := c.MarkRead(ctx, "bob", []uuid.UUID{m.ID})
	require.NoError(t, err)

	stored, _ := store.get(m.ID)
	require.NotNil(t, stored.DeliveredAt)
	require.NotNil(t, stored.ReadAt)
	assert.False(t, stored.ReadAt.Before(*stored.DeliveredAt))
}

func TestDeliverPending(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{})
	ctx := context.Background()

	_, _ = c.Send(ctx, "alice", "bob", "one")
	_, _ = c.Send(ctx, "alice", "bob", "two")
	rec.out = nil

	n, err := c.DeliverPending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		"messageDelivered@user:alice", "messageDelivered@user:bob",
		"messageDelivered@user:alice", "messageDelivered@user:bob",
	}, rec.events())

	n, err = c.DeliverPending(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenConversation_MarksUnreadAndEnablesInstantRead(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{"bob": true})
	ctx := context.Background()

	m, _ := c.Send(ctx, "alice", "bob", "before")
	rec.out = nil

	ids, err := c.OpenConversation(ctx, "bob", "alice", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m.ID}, ids)
	assert.Equal(t, []string{"messagesRead@user:alice"}, rec.events())

	next, err := c.Send(ctx, "alice", "bob", "after")
	require.NoError(t, err)
	assert.Equal(t, "read", next.Status())

	// Closing from a different connection keeps the view open.
	c.CloseConversation("bob", "conn-2")
	assert.Equal(t, "alice", c.Conversations().Peer("bob"))
	c.CloseConversation("bob", "conn-1")
	assert.Equal(t, "", c.Conversations().Peer("bob"))
}

func TestSend_ConcurrentThreadsKeepOrder(t *testing.T) {
	c, _, rec := newTestCoordinator(fakePresence{"bob": true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(ctx, "alice", "bob", "hi")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every messageDelivered follows its own new_message.
	seen := make(map[uuid.UUID]bool)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.out {
		switch p := e.payload.(type) {
		case Message:
			seen[p.ID] = true
		case DeliveredEvent:
			assert.True(t, seen[p.MessageID], "delivered before new_message")
		}
	}
	assert.Len(t, seen, 20)
}

func TestSend_StaleViewOfOfflineReceiver(t *testing.T) {
	c, _, _ := newTestCoordinator(fakePresence{})
	c.Conversations().Open("bob", "alice", "conn-1")

	msg, err := c.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "sent", msg.Status())
}

func TestConversationViewsRelayAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := presence.NewLocalBackend()
	ta := presence.NewTracker("A", backend, testLogger)
	tb := presence.NewTracker("B", backend, testLogger)
	require.NoError(t, ta.Start(ctx))
	require.NoError(t, tb.Start(ctx))

	// alice is connected to A, bob to B.
	onA, _, _ := newTestCoordinator(fakePresence{"bob": true})
	onB, _, _ := newTestCoordinator(fakePresence{"alice": true})
	onA.UseRelay(ta)
	onB.UseRelay(tb)

	_, err := onB.OpenConversation(ctx, "bob", "alice", "b-conn")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return onA.Conversations().Peer("bob") == "alice"
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := onA.Send(ctx, "alice", "bob", "on my way")
	require.NoError(t, err)
	assert.Equal(t, "read", msg.Status())

	// A close from another connection leaves the view open everywhere.
	onB.CloseConversation("bob", "other-conn")
	onB.CloseConversation("bob", "b-conn")
	require.Eventually(t, func() bool {
		return onA.Conversations().Peer("bob") == ""
	}, 2*time.Second, 10*time.Millisecond)

	msg, err = onA.Send(ctx, "alice", "bob", "here")
	require.NoError(t, err)
	assert.Equal(t, "delivered", msg.Status())
}

func TestApplyView_IgnoresForeignAndMalformed(t *testing.T) {
	c, _, _ := newTestCoordinator(fakePresence{})
	c.applyView("user:bob", eventConversation, []byte(`{"userId":"bob","peerId":"alice"}`))
	c.applyView(conversationScope, "new_message", []byte(`{"userId":"bob","peerId":"alice"}`))
	c.applyView(conversationScope, eventConversation, []byte(`not json`))
	assert.Zero(t, c.Conversations().Len())

	c.applyView(conversationScope, eventConversation, []byte(`{"userId":"bob","peerId":"alice","connId":"c1"}`))
	assert.Equal(t, "alice", c.Conversations().Peer("bob"))
}
