package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-remote/internal/types"
)

// Sink writes one event to the session transport
type Sink interface {
	Send(ev types.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev types.Event) error

// Send implements Sink
func (f SinkFunc) Send(ev types.Event) error { return f(ev) }

// OutboxStats contains per-session delivery counters
type OutboxStats struct {
	Queued       int
	Enqueued     uint64
	Offered      uint64
	Sent         uint64
	SendFailures uint64
}

// Outbox serializes every event for one session onto a single writer.
//
// Two lanes feed the writer:
//   - the queue: ordered, unbounded, never drops (status, keys, lists, batch images)
//   - the live lane: an unbuffered hand-off for stream frames; the producer
//     waits until the writer takes the frame, so slowness is absorbed by the
//     latest-frame mailbox upstream instead of here
//
// The writer always drains the queue before taking a live frame.
type Outbox struct {
	id string

	mu     sync.Mutex
	queue  []types.Event
	closed bool

	wake chan struct{}
	live chan types.Event
	done chan struct{}
	once sync.Once

	enqueued     atomic.Uint64
	offered      atomic.Uint64
	sent         atomic.Uint64
	sendFailures atomic.Uint64
}

// NewOutbox creates an outbox for session id
func NewOutbox(id string) *Outbox {
	return &Outbox{
		id:   id,
		wake: make(chan struct{}, 1),
		live: make(chan types.Event),
		done: make(chan struct{}),
	}
}

// ID returns the session id
func (o *Outbox) ID() string {
	return o.id
}

// Enqueue appends ev to the ordered queue. Never blocks.
func (o *Outbox) Enqueue(ev types.Event) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrSessionGone
	}
	o.queue = append(o.queue, ev)
	o.mu.Unlock()

	o.enqueued.Add(1)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Offer hands a live frame to the writer, waiting until it is taken, ctx
// ends or the outbox closes.
func (o *Outbox) Offer(ctx context.Context, ev types.Event) error {
	select {
	case o.live <- ev:
		o.offered.Add(1)
		return nil
	case <-o.done:
		return ErrSessionGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the outbox is closed
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close stops the writer and rejects further events (idempotent).
// Events still queued are discarded.
func (o *Outbox) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		dropped := len(o.queue)
		o.queue = nil
		o.mu.Unlock()
		close(o.done)

		if dropped > 0 {
			slog.Debug("dispatch: outbox closed with pending events", "session_id", o.id, "dropped", dropped)
		}
	})
}

// Run is the single writer loop. It returns when ctx ends or the outbox is
// closed.
//
// Algorithm:
//  1. Drain the queue in order
//  2. Wait for more queued events, a live frame, or shutdown
//  3. After each live frame go back to 1
func (o *Outbox) Run(ctx context.Context, sink Sink) {
	for {
		for {
			ev, ok := o.pop()
			if !ok {
				break
			}
			o.send(sink, ev)
		}

		select {
		case <-o.wake:
		case ev := <-o.live:
			o.send(sink, ev)
		case <-o.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Outbox) pop() (types.Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || len(o.queue) == 0 {
		return types.Event{}, false
	}
	ev := o.queue[0]
	o.queue[0] = types.Event{}
	o.queue = o.queue[1:]
	return ev, true
}

func (o *Outbox) send(sink Sink, ev types.Event) {
	if err := sink.Send(ev); err != nil {
		n := o.sendFailures.Add(1)
		// one warning per session, the rest at debug
		if n == 1 {
			slog.Warn("dispatch: send failed", "session_id", o.id, "event", ev.Name, "error", err)
		} else {
			slog.Debug("dispatch: send failed", "session_id", o.id, "event", ev.Name, "error", err)
		}
		return
	}
	o.sent.Add(1)
}

// Stats returns delivery counters
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	queued := len(o.queue)
	o.mu.Unlock()

	return OutboxStats{
		Queued:       queued,
		Enqueued:     o.enqueued.Load(),
		Offered:      o.offered.Load(),
		Sent:         o.sent.Load(),
		SendFailures: o.sendFailures.Load(),
	}
}
