package presence

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when subscribing to a closed backend.
var ErrClosed = errors.New("presence backend closed")

// Backend relays envelopes between instances. Publish must not block on
// slow subscribers. Subscribers also receive their own instance's envelopes
// and are expected to skip them by Origin.
type Backend interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers fn and returns once the subscription is live.
	// Delivery stops when ctx is cancelled or the backend is closed.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Name() string
	Close() error
}

// LocalBackend is the in-process broadcaster used when no distributed store
// is configured. Several trackers sharing one LocalBackend behave like
// separate instances.
type LocalBackend struct {
	mu     sync.Mutex
	subs   []*localSub
	closed bool
}

type localSub struct {
	ch     chan Envelope
	stop   chan struct{} // closed by Close
	exited chan struct{} // closed when the delivery goroutine returns
}

// NewLocalBackend creates an in-process backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Name() string { return "local" }

// Publish queues env for every subscriber. Each subscriber receives envelopes
// in publish order.
func (b *LocalBackend) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	subs := append([]*localSub(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBackend) Subscribe(ctx context.Context, fn func(Envelope)) error {
	s := &localSub{
		ch:     make(chan Envelope, 256),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		defer close(s.exited)
		defer b.remove(s)
		for {
			select {
			case env := <-s.ch:
				fn(env)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (b *LocalBackend) remove(s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.subs {
		if x == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.stop)
	}
	b.subs = nil
	return nil
}
