package device

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var errQueueClosed = errors.New("queue closed")

// command is one unit of device work. The dispatcher waits on every event in
// wait before running it and then completes event with run's result.
type command struct {
	event  *Event
	wait   []*Event
	run    func() error
	finish func(err error)
}

// commandQueue is the single in-order queue of a context. Commands execute
// strictly in submission order on one dispatcher goroutine; kernels fan out
// across workers inside their own run function.
type commandQueue struct {
	log zerolog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan *command
	done   chan struct{}
}

func newCommandQueue(depth int, log zerolog.Logger) *commandQueue {
	q := &commandQueue{
		log:  log,
		ch:   make(chan *command, depth),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// submit blocks only while the queue is full.
func (q *commandQueue) submit(cmd *command) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	queueDepth.Inc()
	q.ch <- cmd
	return nil
}

func (q *commandQueue) loop() {
	defer close(q.done)
	for cmd := range q.ch {
		q.execute(cmd)
		queueDepth.Dec()
	}
}

func (q *commandQueue) execute(cmd *command) {
	err := q.awaitDependencies(cmd)
	if err == nil {
		err = runCommand(cmd)
	}
	cmd.event.complete(err)
	if cmd.finish != nil {
		cmd.finish(err)
	}
	if err != nil {
		q.log.Error().Err(err).Str("command", cmd.event.name).Uint64("event", cmd.event.id).Msg("Command failed")
	}
}

func (q *commandQueue) awaitDependencies(cmd *command) error {
	for _, dep := range cmd.wait {
		<-dep.done
		if dep.err != nil {
			return errors.Wrapf(dep.err, "%s: dependency %s (event %d) failed", cmd.event.name, dep.name, dep.id)
		}
	}
	return nil
}

func runCommand(cmd *command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrDispatch, "%s: %v", cmd.event.name, r)
		}
	}()
	return cmd.run()
}

// close stops accepting commands and waits for the queued ones to drain.
func (q *commandQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}

// compactWait drops nil and duplicate events, keeping submission order.
func compactWait(wait []*Event) []*Event {
	if len(wait) == 0 {
		return nil
	}
	out := make([]*Event, 0, len(wait))
	for _, ev := range wait {
		if ev == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == ev {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ev)
		}
	}
	return out
}
