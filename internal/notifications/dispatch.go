package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter publishes a real-time event to a scope.
type Emitter interface {
	Emit(ctx context.Context, scope, event string, payload any)
}

// RecordStore persists in-app notification records.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
}

// Dispatcher fans messages out to recipients' channels.
type Dispatcher struct {
	notifiers map[Channel]Notifier
	store     RecordStore
	emitter   Emitter
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Nil notifiers are ignored so optional
// channels can be passed straight from their constructors.
func NewDispatcher(store RecordStore, emitter Emitter, timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	d := &Dispatcher{
		notifiers: make(map[Channel]Notifier),
		store:     store,
		emitter:   emitter,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		d.notifiers[n.Channel()] = n
	}
	return d
}

// Channels returns the channels with a registered notifier.
func (d *Dispatcher) Channels() []Channel {
	var out []Channel
	for _, ch := range Channels {
		if _, ok := d.notifiers[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Dispatch delivers msg to one recipient and returns the per-channel results.
func (d *Dispatcher) Dispatch(ctx context.Context, rcpt Recipient, msg Message) Result {
	results := d.Fanout(ctx, msg, []Recipient{rcpt})
	return results[0]
}

// Fanout emits one real-time event for msg, then persists a record and sends
// on every reachable channel for each recipient. It never fails as a whole.
func (d *Dispatcher) Fanout(ctx context.Context, msg Message, rcpts []Recipient) []Result {
	now := d.now().UTC()
	results := make([]Result, len(rcpts))

	for i, rcpt := range rcpts {
		results[i] = Result{UserID: rcpt.UserID}
		rec := d.newRecord(rcpt, msg, now)
		if err := d.store.Insert(ctx, rec); err != nil {
			results[i].RecordErr = fmt.Errorf("insert notification: %w", err)
			d.logger.Warn("Failed to persist notification",
				"user_id", rcpt.UserID, "category", msg.Category, "error", err)
		} else {
			results[i].RecordID = rec.ID
		}
	}

	if d.emitter != nil && msg.Scope != "" {
		d.emitter.Emit(ctx, msg.Scope, EventNotification, eventPayload(msg, now))
	}

	var wg sync.WaitGroup
	for i, rcpt := range rcpts {
		wg.Add(1)
		go func(i int, rcpt Recipient) {
			defer wg.Done()
			results[i].Channels = d.send(ctx, rcpt, msg)
		}(i, rcpt)
	}
	wg.Wait()

	sent, failed := 0, 0
	for _, r := range results {
		sent += r.Succeeded()
		failed += r.Failed()
	}
	d.logger.Info("Notification dispatched",
		"category", msg.Category, "frequency", msg.Frequency, "subject", msg.Subject,
		"recipients", len(rcpts), "sent", sent, "failed", failed)
	return results
}

// DispatchAsync runs Fanout detached from the caller's cancellation. Use Wait
// to let in-flight dispatches finish on shutdown.
func (d *Dispatcher) DispatchAsync(ctx context.Context, msg Message, rcpts []Recipient) {
	detached := context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Fanout(detached, msg, rcpts)
	}()
}

// Wait blocks until every async dispatch has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send attempts every route of the recipient concurrently.
func (d *Dispatcher) send(ctx context.Context, rcpt Recipient, msg Message) []ChannelResult {
	var routes []Route
	for _, r := range rcpt.Routes() {
		if _, ok := d.notifiers[r.Channel]; ok {
			routes = append(routes, r)
		}
	}
	if len(routes) == 0 {
		d.logger.Debug("No reachable channels, in-app record only", "user_id", rcpt.UserID)
		return nil
	}

	results := make([]ChannelResult, len(routes))
	var wg sync.WaitGroup
	for i, route := range routes {
		wg.Add(1)
		go func(i int, route Route) {
			defer wg.Done()
			results[i] = d.sendOne(ctx, d.notifiers[route.Channel], route.Address, rcpt, msg)
		}(i, route)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, n Notifier, address string, rcpt Recipient, msg Message) (res ChannelResult) {
	res.Channel = n.Channel()
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			d.logger.Warn("Channel send failed",
				"channel", res.Channel, "user_id", rcpt.UserID,
				"duration", res.Duration.Round(time.Millisecond), "error", res.Err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errCh <- fmt.Errorf("panic: %v", p)
			}
		}()
		errCh <- n.Send(callCtx, address, msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			res.Err = &ChannelError{Channel: res.Channel, Err: err}
		}
	case <-callCtx.Done():
		res.Err = &ChannelError{Channel: res.Channel, Err: callCtx.Err()}
	}
	return res
}

func (d *Dispatcher) newRecord(rcpt Recipient, msg Message, now time.Time) Record {
	return Record{
		ID:        uuid.New(),
		UserID:    rcpt.UserID,
		Category:  string(msg.Category),
		Frequency: string(msg.Frequency),
		Severity:  msg.Severity,
		Subject:   msg.Subject,
		Title:     msg.Headline(),
		Body:      msg.PlainText(),
		BranchID:  msg.BranchID,
		CreatedAt: now,
	}
}

func eventPayload(msg Message, at time.Time) map[string]any {
	payload := map[string]any{
		"category":  msg.Category,
		"severity":  msg.Severity,
		"subject":   msg.Subject,
		"title":     msg.Headline(),
		"body":      msg.PlainText(),
		"branchId":  msg.BranchID,
		"createdAt": at,
	}
	if msg.Frequency != "" {
		payload["frequency"] = msg.Frequency
	}
	return payload
}
