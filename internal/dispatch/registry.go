// Package dispatch routes outbound events to connected sessions.
//
// Every session owns an Outbox drained by exactly one writer goroutine, so
// all producers for a session (command handlers, live streams, the key
// logger) share one ordered path to the transport.
package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-remote/internal/types"
)

var (
	// ErrSessionGone is returned when delivering to a session that has
	// disconnected
	ErrSessionGone = errors.New("dispatch: session gone")

	// ErrSessionExists is returned when registering a duplicate session id
	ErrSessionExists = errors.New("dispatch: session already registered")

	// ErrRegistryClosed is returned after Close
	ErrRegistryClosed = errors.New("dispatch: registry closed")
)

// RegistryStats contains registry-wide counters
type RegistryStats struct {
	Sessions  int
	Delivered uint64
	Gone      uint64
}

// Registry maps session ids to their outboxes
type Registry struct {
	mu       sync.RWMutex
	outboxes map[string]*Outbox
	closed   bool

	delivered atomic.Uint64
	gone      atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		outboxes: make(map[string]*Outbox),
	}
}

// Register creates the outbox for id
func (r *Registry) Register(id string) (*Outbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.outboxes[id]; exists {
		return nil, ErrSessionExists
	}

	o := NewOutbox(id)
	r.outboxes[id] = o
	return o, nil
}

// Unregister closes and removes the outbox for id (no-op when unknown)
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	o, ok := r.outboxes[id]
	delete(r.outboxes, id)
	r.mu.Unlock()

	if ok {
		o.Close()
	}
}

// Lookup returns the outbox for id
func (r *Registry) Lookup(id string) (*Outbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.outboxes[id]
	return o, ok
}

// Deliver queues ev for session id
func (r *Registry) Deliver(id string, ev types.Event) error {
	o, ok := r.Lookup(id)
	if !ok {
		r.gone.Add(1)
		return ErrSessionGone
	}
	if err := o.Enqueue(ev); err != nil {
		r.gone.Add(1)
		return err
	}
	r.delivered.Add(1)
	return nil
}

// Close closes every outbox and rejects new registrations
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	outboxes := r.outboxes
	r.outboxes = make(map[string]*Outbox)
	r.mu.Unlock()

	for _, o := range outboxes {
		o.Close()
	}
}

// Stats returns registry counters
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	sessions := len(r.outboxes)
	r.mu.RUnlock()

	return RegistryStats{
		Sessions:  sessions,
		Delivered: r.delivered.Load(),
		Gone:      r.gone.Load(),
	}
}
