package device

import (
	"context"
	"time"
)

// Event is the completion token of one enqueued command. It is completed
// exactly once by the queue; everyone else only waits on it.
type Event struct {
	id       uint64
	name     string
	enqueued time.Time
	done     chan struct{}
	err      error
}

func newEvent(id uint64, name string) *Event {
	return &Event{
		id:       id,
		name:     name,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}
}

func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// ID is unique within the owning context and increases with submission order.
func (e *Event) ID() uint64 { return e.id }

// Name is the kernel or transfer that produced the event.
func (e *Event) Name() string { return e.name }

// Wait blocks until the command completes or ctx is done. It returns the
// command's error, or ctx.Err() if the wait was abandoned.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the command has completed.
func (e *Event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Err returns the command's error once it has completed, nil before.
func (e *Event) Err() error {
	if !e.Done() {
		return nil
	}
	return e.err
}
