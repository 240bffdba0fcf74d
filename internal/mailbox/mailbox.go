// Package mailbox provides a single-slot, drop-oldest frame conduit between a
// capture producer and a slower consumer.
package mailbox

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/e7canasta/orion-remote/internal/types"
)

// idleThreshold defines when a consumer is considered idle (no reads).
//
// A live view at 1 fps reads every second; 30 seconds without a read means
// the controller stopped draining.
const idleThreshold = 30 * time.Second

// Stats contains mailbox counters
type Stats struct {
	Published        uint64
	Delivered        uint64
	TotalDrops       uint64 // Frames overwritten before they were read
	ConsecutiveDrops uint64 // Current streak of overwritten frames (resets on read)
	LastDeliveredSeq uint64
	LastDeliveredAt  time.Time
	IsIdle           bool
	Closed           bool
}

// Mailbox is a single-producer/single-consumer slot with overwrite semantics.
//
// Architecture:
//   - Single-slot buffer (frame *Frame), occupancy never exceeds one
//   - Overwrite policy (new frame replaces an unread one)
//   - Blocking, cancellable consume (sync.Cond + context.AfterFunc)
//   - Completion with optional error, observed after the slot drains
//
// Thread-safety: all fields protected by mu.
type Mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame

	closed   bool
	closeErr error

	published        uint64
	delivered        uint64
	totalDrops       uint64
	consecutiveDrops uint64
	lastDeliveredSeq uint64
	lastDeliveredAt  time.Time
}

// New creates an empty mailbox
func New() *Mailbox {
	m := &Mailbox{lastDeliveredAt: time.Now()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores frame, replacing any unread one. Never blocks.
// Returns false when the mailbox is already closed.
//
// Algorithm:
//  1. Lock
//  2. Closed → skip (producer will notice on its next iteration)
//  3. Unread frame present → count a drop
//  4. Overwrite slot and signal the consumer
func (m *Mailbox) Publish(frame *types.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if m.frame != nil {
		m.consecutiveDrops++
		m.totalDrops++
	}

	m.frame = frame
	m.published++
	m.cond.Signal()
	return true
}

// Next blocks until a frame is available, the mailbox completes or ctx ends.
//
// A frame published before Close is still delivered. After that, Next returns
// io.EOF for a clean completion or the error passed to Close.
func (m *Mailbox) Next(ctx context.Context) (*types.Frame, error) {
	// Wake the waiter when ctx ends; Broadcast under the lock avoids a lost wakeup
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.frame == nil && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}

	if m.frame != nil {
		frame := m.frame
		m.frame = nil
		m.delivered++
		m.consecutiveDrops = 0
		m.lastDeliveredSeq = frame.Seq
		m.lastDeliveredAt = time.Now()
		return frame, nil
	}

	if m.closed {
		if m.closeErr != nil {
			return nil, m.closeErr
		}
		return nil, io.EOF
	}

	return nil, ctx.Err()
}

// Close completes the stream. err may be nil for a clean end.
// Idempotent: the first call wins.
func (m *Mailbox) Close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.closeErr = err
	m.cond.Broadcast()
}

// Err returns the completion error, nil while open or after a clean end
func (m *Mailbox) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// Len returns the slot occupancy (0 or 1)
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame != nil {
		return 1
	}
	return 0
}

// Stats returns a snapshot of the counters
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Published:        m.published,
		Delivered:        m.delivered,
		TotalDrops:       m.totalDrops,
		ConsecutiveDrops: m.consecutiveDrops,
		LastDeliveredSeq: m.lastDeliveredSeq,
		LastDeliveredAt:  m.lastDeliveredAt,
		IsIdle:           time.Since(m.lastDeliveredAt) > idleThreshold,
		Closed:           m.closed,
	}
}
