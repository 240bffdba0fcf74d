package control

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-remote/internal/capture"
	"github.com/e7canasta/orion-remote/internal/dispatch"
	"github.com/e7canasta/orion-remote/internal/types"
)

// session is the per-connection state owned by the handler
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	outbox *dispatch.Outbox
	// registry routes queued events; outbox is kept for the live lane
	registry *dispatch.Registry

	mu      sync.Mutex
	streams map[types.CaptureKind]*liveStream
	keys    KeySource
}

// liveStream tracks one running StartWebcamStream/StartScreenStream
type liveStream struct {
	st     *capture.Stream
	ctx    context.Context
	cancel context.CancelFunc
	// stopped is set when the session asked for the stop, which suppresses
	// the "stream ended" notification
	stopped atomic.Bool
	done    chan struct{}
}

func newSession(parent context.Context, id string, outbox *dispatch.Outbox, registry *dispatch.Registry) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		outbox:   outbox,
		registry: registry,
		streams:  make(map[types.CaptureKind]*liveStream),
	}
}

// emit queues ev in order; a closed outbox only means the session is gone
func (s *session) emit(ev types.Event) {
	if err := s.registry.Deliver(s.id, ev); err != nil {
		slog.Debug("control: event for closed session dropped", "session_id", s.id, "event", ev.Name)
	}
}

// stopStream stops the session's stream for kind and waits for its forwarder.
// Returns false when none was running.
func (s *session) stopStream(kind types.CaptureKind) bool {
	s.mu.Lock()
	ls := s.streams[kind]
	delete(s.streams, kind)
	s.mu.Unlock()

	if ls == nil {
		return false
	}
	ls.stopped.Store(true)
	ls.cancel()
	<-ls.done
	return true
}

// stopAll stops every stream and the key logger
func (s *session) stopAll() {
	for _, kind := range []types.CaptureKind{types.KindScreen, types.KindWebcam} {
		s.stopStream(kind)
	}
	s.stopKeys()
}

// stopKeys stops the key logger. Returns false when none was running.
func (s *session) stopKeys() bool {
	s.mu.Lock()
	keys := s.keys
	s.keys = nil
	s.mu.Unlock()

	if keys == nil {
		return false
	}
	if err := keys.Stop(); err != nil {
		slog.Warn("control: key logger stop failed", "session_id", s.id, "error", err)
	}
	return true
}
