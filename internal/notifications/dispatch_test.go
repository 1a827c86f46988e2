package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/schedule"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *memStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

type emitted struct {
	scope, event string
	payload      any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, scope, event string, payload any) {
	e.mu.Lock()
	e.events = append(e.events, emitted{scope, event, payload})
	e.mu.Unlock()
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func okNotifier(ch Channel, calls *atomic.Int32) Notifier {
	return NotifierFunc{Name: ch, Fn: func(context.Context, string, Message) error {
		calls.Add(1)
		return nil
	}}
}

func fullRecipient() Recipient {
	return Recipient{
		UserID:   "u1",
		BranchID: "b1",
		Enabled:  map[Channel]bool{ChannelPush: true, ChannelEmail: true, ChannelChat: true},
		Addresses: map[Channel]string{
			ChannelPush:  "token-1",
			ChannelEmail: "u1@example.com",
		},
	}
}

func stockMessage() Message {
	return Message{
		Category:   schedule.CategoryStock,
		Severity:   "critical",
		Subject:    "Coca Cola",
		Scope:      "branch:b1",
		BranchID:   "b1",
		BranchName: "Downtown",
		Items: []ItemLine{{
			Name: "Coca Cola", Quantity: decimal.Zero, Threshold: decimal.NewFromInt(24), Severity: "critical",
		}},
	}
}

func TestDispatch_PushFailsEmailSucceeds(t *testing.T) {
	store := &memStore{}
	emitter := &recordingEmitter{}
	var emailCalls atomic.Int32

	push := NotifierFunc{Name: ChannelPush, Fn: func(context.Context, string, Message) error {
		return errors.New("gateway unavailable")
	}}
	d := NewDispatcher(store, emitter, time.Second, testLogger, push, okNotifier(ChannelEmail, &emailCalls))

	res := d.Dispatch(context.Background(), fullRecipient(), stockMessage())

	assert.Equal(t, 1, res.Succeeded())
	assert.Equal(t, 1, res.Failed())
	assert.True(t, res.Persisted())
	require.Len(t, store.all(), 1)
	assert.Equal(t, int32(1), emailCalls.Load())
	assert.Equal(t, 1, emitter.count())

	var chErr *ChannelError
	for _, c := range res.Channels {
		if c.Channel == ChannelPush {
			require.ErrorAs(t, c.Err, &chErr)
			assert.Equal(t, ChannelPush, chErr.Channel)
		}
	}
}

func TestDispatch_PanicAndTimeoutAreIsolated(t *testing.T) {
	store := &memStore{}
	var emailCalls atomic.Int32

	push := NotifierFunc{Name: ChannelPush, Fn: func(context.Context, string, Message) error {
		panic("boom")
	}}
	chat := NotifierFunc{Name: ChannelChat, Fn: func(ctx context.Context, _ string, _ Message) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := NewDispatcher(store, nil, 50*time.Millisecond, testLogger, push, okNotifier(ChannelEmail, &emailCalls), chat)

	rcpt := fullRecipient()
	rcpt.Addresses[ChannelChat] = "12345"

	start := time.Now()
	res := d.Dispatch(context.Background(), rcpt, stockMessage())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.Channels, 3)
	assert.Equal(t, 1, res.Succeeded())
	assert.Equal(t, 2, res.Failed())

	for _, c := range res.Channels {
		if c.Channel == ChannelChat {
			var chErr *ChannelError
			require.ErrorAs(t, c.Err, &chErr)
			assert.True(t, chErr.Timeout())
		}
	}
	assert.Len(t, store.all(), 1)
}

func TestDispatch_NoReachableChannelsStillPersists(t *testing.T) {
	store := &memStore{}
	var calls atomic.Int32
	d := NewDispatcher(store, nil, time.Second, testLogger, okNotifier(ChannelEmail, &calls))

	rcpt := Recipient{
		UserID:    "u2",
		Enabled:   map[Channel]bool{ChannelEmail: true, ChannelPush: false},
		Addresses: map[Channel]string{ChannelPush: "tok"}, // email enabled but no address
	}
	res := d.Dispatch(context.Background(), rcpt, stockMessage())

	assert.Empty(t, res.Channels)
	assert.True(t, res.Persisted())
	assert.Len(t, store.all(), 1)
	assert.Zero(t, calls.Load())
}

func TestDispatch_StoreFailureDoesNotBlockChannels(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	var calls atomic.Int32
	d := NewDispatcher(store, nil, time.Second, testLogger, okNotifier(ChannelEmail, &calls))

	res := d.Dispatch(context.Background(), fullRecipient(), stockMessage())
	assert.False(t, res.Persisted())
	assert.Error(t, res.RecordErr)
	assert.Equal(t, 1, res.Succeeded())
}

func TestFanout_OneEventManyRecords(t *testing.T) {
	store := &memStore{}
	emitter := &recordingEmitter{}
	d := NewDispatcher(store, emitter, time.Second, testLogger)

	rcpts := []Recipient{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}
	results := d.Fanout(context.Background(), stockMessage(), rcpts)

	require.Len(t, results, 3)
	assert.Len(t, store.all(), 3)
	require.Equal(t, 1, emitter.count())
	assert.Equal(t, "branch:b1", emitter.events[0].scope)
	assert.Equal(t, EventNotification, emitter.events[0].event)
}

func TestDispatchAsync_WaitDrainsInflight(t *testing.T) {
	store := &memStore{}
	release := make(chan struct{})
	slow := NotifierFunc{Name: ChannelEmail, Fn: func(context.Context, string, Message) error {
		<-release
		return nil
	}}
	d := NewDispatcher(store, nil, 5*time.Second, testLogger, slow)

	ctx, cancel := context.WithCancel(context.Background())
	d.DispatchAsync(ctx, stockMessage(), []Recipient{fullRecipient()})
	cancel() // caller's request finished; dispatch keeps going

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, d.Wait(waitCtx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, d.Wait(context.Background()))
	assert.Len(t, store.all(), 1)
}

func TestNewDispatcher_SkipsNilNotifiers(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(&memStore{}, nil, 0, testLogger, nil, okNotifier(ChannelChat, &calls))
	assert.Equal(t, []Channel{ChannelChat}, d.Channels())
}

func TestMessage_Rendering(t *testing.T) {
	msg := stockMessage()
	msg.Frequency = schedule.Weekly
	assert.Equal(t, "Weekly Stock alert: Coca Cola (Downtown)", msg.Headline())
	assert.Contains(t, msg.PlainText(), "Coca Cola: 0 left (threshold 24) [critical]")

	msg.Subject = "<b>&"
	assert.Contains(t, msg.HTML(), "&lt;b&gt;&amp;")
}
