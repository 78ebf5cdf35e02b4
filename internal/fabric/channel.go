package fabric

import (
	"fmt"
)

// event is the platform wait primitive behind a CompletionChannel.
type event interface {
	signal()
	wait() error
	close() error
}

// CompletionChannel delivers completion events from one or more armed
// completion queues to a single waiter.
type CompletionChannel struct {
	ev event
}

// NewCompletionChannel creates a channel backed by an eventfd on Linux.
func NewCompletionChannel() (*CompletionChannel, error) {
	ev, err := newEvent()
	if err != nil {
		return nil, fmt.Errorf("failed to create completion channel: %w", err)
	}

	return &CompletionChannel{ev: ev}, nil
}

// Wait blocks until an armed queue fires or the channel is closed. Only one
// goroutine may wait at a time.
func (c *CompletionChannel) Wait() error {
	return c.ev.wait()
}

// Close wakes the waiter, which then returns ErrClosed.
func (c *CompletionChannel) Close() error {
	return c.ev.close()
}

// Wake wakes the waiter without a completion. Owners use it to hand the
// waiting goroutine events that do not come from a completion queue.
func (c *CompletionChannel) Wake() {
	c.ev.signal()
}

func (c *CompletionChannel) notify() {
	c.ev.signal()
}
