// Package hub is the WebSocket transport between controllers and sessions.
//
// One connection is one session. Per connection:
//   - a reader goroutine decodes invocations and runs each in its own goroutine
//   - a writer goroutine drains the session outbox (the only writer)
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-remote/internal/dispatch"
	"github.com/e7canasta/orion-remote/internal/types"
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultReadLimit    = 64 * 1024
)

var errShutdown = errors.New("hub: server shutting down")

// Sessions is the command side of a connection
type Sessions interface {
	Connect(ctx context.Context, sessionID string) (*dispatch.Outbox, error)
	Disconnect(sessionID string)
	Handle(sessionID string, inv types.Invocation)
}

// Config holds transport limits
type Config struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	// AllowedOrigins lists accepted Origin headers; empty means same host
	// only, "*" accepts any
	AllowedOrigins []string
}

// Stats contains transport counters
type Stats struct {
	Connections  int64
	Accepted     uint64
	Rejected     uint64
	DecodeErrors uint64
}

// Hub upgrades HTTP requests and runs one session per connection
type Hub struct {
	cfg      Config
	sessions Sessions
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connections  atomic.Int64
	accepted     atomic.Uint64
	rejected     atomic.Uint64
	decodeErrors atomic.Uint64
}

// New creates a hub serving sessions
func New(cfg Config, sessions Sessions) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		Subprotocols:    []string{SubprotocolJSON, SubprotocolMsgpack},
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(h.cfg.AllowedOrigins) == 0 {
		// non-browser clients send no Origin
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP handles the /hub endpoint
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.rejected.Add(1)
		slog.Warn("hub: upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.serve(conn, r.RemoteAddr)
}

// serve runs one connection until either side ends it
func (h *Hub) serve(conn *websocket.Conn, remoteAddr string) {
	id := uuid.NewString()
	codec := codecFor(conn.Subprotocol())
	log := slog.With("session_id", id, "remote_addr", remoteAddr, "codec", codec.Name())

	conn.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	outbox, err := h.sessions.Connect(ctx, id)
	if err != nil {
		h.rejected.Add(1)
		log.Error("hub: session rejected", "error", err)
		h.writeClose(conn, err)
		conn.Close()
		return
	}

	h.accepted.Add(1)
	h.connections.Add(1)
	defer h.connections.Add(-1)
	log.Info("hub: controller connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		outbox.Run(ctx, dispatch.SinkFunc(func(ev types.Event) error {
			data, err := codec.Encode(ev)
			if err != nil {
				return err
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return err
			}
			return conn.WriteMessage(codec.MessageType(), data)
		}))
	}()

	// unblock the reader on shutdown
	stop := context.AfterFunc(h.ctx, func() {
		conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	var handlers sync.WaitGroup
	readErr := h.readLoop(conn, id, codec, outbox, &handlers, log)
	if h.ctx.Err() != nil {
		readErr = errShutdown
	}

	cancel()
	h.sessions.Disconnect(id)
	<-writerDone
	handlers.Wait()

	if isNormalClose(readErr) {
		log.Info("hub: controller disconnected")
	} else {
		log.Warn("hub: connection ended", "error", readErr)
	}
	h.writeClose(conn, readErr)
	conn.Close()
}

func (h *Hub) readLoop(conn *websocket.Conn, id string, codec Codec, outbox *dispatch.Outbox, handlers *sync.WaitGroup, log *slog.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		inv, err := codec.Decode(data)
		if err == nil && inv.Method == "" {
			err = errors.New("hub: invocation without method")
		}
		if err != nil {
			h.decodeErrors.Add(1)
			log.Warn("hub: malformed invocation", "error", err)
			outbox.Enqueue(types.NewStatus(types.StatusSystem, false, "malformed invocation")) //nolint:errcheck
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			h.sessions.Handle(id, inv)
		}()
	}
}

// writeClose sends the close frame matching err
func (h *Hub) writeClose(conn *websocket.Conn, err error) {
	_, msg := closeMessage(err)
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
}

func closeMessage(err error) (string, []byte) {
	var code int
	var text string

	var closeErr *websocket.CloseError
	switch {
	case err == nil, errors.As(err, &closeErr):
		code = websocket.CloseNormalClosure
	case errors.Is(err, errShutdown):
		code = websocket.CloseGoingAway
		text = "server shutting down"
	case errors.Is(err, websocket.ErrReadLimit):
		code = websocket.CloseMessageTooBig
		text = "message too big"
	default:
		code = websocket.CloseInternalServerErr
	}
	return text, websocket.FormatCloseMessage(code, text)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}

// Close ends every connection and waits for them to finish
func (h *Hub) Close(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns transport counters
func (h *Hub) Stats() Stats {
	return Stats{
		Connections:  h.connections.Load(),
		Accepted:     h.accepted.Load(),
		Rejected:     h.rejected.Load(),
		DecodeErrors: h.decodeErrors.Load(),
	}
}
