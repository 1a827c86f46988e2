package notifications

import (
	"context"
	"errors"
	"fmt"
)

// Notifier delivers a rendered message over one channel. Implementations
// must honour ctx cancellation.
type Notifier interface {
	Channel() Channel
	Send(ctx context.Context, address string, msg Message) error
}

// ChannelError is a failed channel send. It is isolated to its channel.
type ChannelError struct {
	Channel Channel
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Timeout reports whether the send exceeded its deadline.
func (e *ChannelError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc struct {
	Name Channel
	Fn   func(ctx context.Context, address string, msg Message) error
}

// Channel implements Notifier.
func (f NotifierFunc) Channel() Channel { return f.Name }

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, address string, msg Message) error {
	return f.Fn(ctx, address, msg)
}
