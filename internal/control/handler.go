// Package control executes controller commands for connected sessions.
//
// Each invocation runs in its own goroutine and emits exactly one terminal
// ReceiveStatus to the invoking session. Other events a command produces
// (images, process lists, key tokens, auth projections) travel through the
// same session outbox.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-remote/internal/auth"
	"github.com/e7canasta/orion-remote/internal/dispatch"
	"github.com/e7canasta/orion-remote/internal/types"
)

// Handler errors
var (
	ErrUnknownSession = errors.New("control: unknown session")
	ErrHandlerClosed  = errors.New("control: handler closed")
)

// Config holds command defaults
type Config struct {
	// FrameRate is the default stream fps and the RequestWebcamProof fps
	FrameRate int
	// WebcamFPS is the RequestWebcam fps
	WebcamFPS int
	// ProofDuration bounds RequestWebcamProof and RequestWebcam
	ProofDuration time.Duration
	// BatchPace spaces batch images on the wire
	BatchPace time.Duration
}

// Deps are the collaborators a handler drives
type Deps struct {
	Authority *auth.Authority
	Registry  *dispatch.Registry
	Capture   Capturer
	Processes ProcessDirectory // optional
	Keys      KeySourceFactory // optional
	Auditor   Auditor          // optional
}

// Stats contains handler counters
type Stats struct {
	Sessions       int
	Invocations    uint64
	NotAuthorized  uint64
	UnknownMethods uint64
}

type reply struct {
	status types.Event
	// follow is queued after the terminal status
	follow []types.Event
}

type commandFunc func(ctx context.Context, s *session, inv types.Invocation) reply

type command struct {
	public bool
	run    commandFunc
}

// Handler owns every session and the method table
type Handler struct {
	cfg      Config
	auth     *auth.Authority
	registry *dispatch.Registry
	capture  Capturer
	procs    ProcessDirectory
	keys     KeySourceFactory
	auditor  Auditor

	commands map[string]command

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	invocations    atomic.Uint64
	notAuthorized  atomic.Uint64
	unknownMethods atomic.Uint64
}

// NewHandler creates a handler
func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	if deps.Authority == nil || deps.Registry == nil || deps.Capture == nil {
		return nil, errors.New("control: authority, registry and capture are required")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.WebcamFPS <= 0 {
		cfg.WebcamFPS = 10
	}
	if cfg.ProofDuration <= 0 {
		cfg.ProofDuration = 3 * time.Second
	}
	if cfg.BatchPace <= 0 {
		cfg.BatchPace = dispatch.DefaultPaceInterval
	}
	if deps.Auditor == nil {
		deps.Auditor = noopAuditor{}
	}

	h := &Handler{
		cfg:      cfg,
		auth:     deps.Authority,
		registry: deps.Registry,
		capture:  deps.Capture,
		procs:    deps.Processes,
		keys:     deps.Keys,
		auditor:  deps.Auditor,
		sessions: make(map[string]*session),
	}
	h.commands = h.methodTable()
	return h, nil
}

func (h *Handler) methodTable() map[string]command {
	return map[string]command{
		"SubmitSetupCode":    {public: true, run: h.submitSetupCode},
		"RegisterUser":       {public: true, run: h.registerUser},
		"Login":              {public: true, run: h.login},
		"ResumeSession":      {public: true, run: h.resumeSession},
		"Logout":             {public: true, run: h.logout},
		"GetServerStatus":    {public: true, run: h.getServerStatus},
		"GetProcessList":     {run: h.getProcessList},
		"StartProcess":       {run: h.startProcess},
		"KillProcess":        {run: h.killProcess},
		"ShutdownServer":     {run: h.shutdownServer},
		"GetScreenshot":      {run: h.getScreenshot},
		"RequestWebcamProof": {run: h.requestWebcamProof},
		"RequestWebcam":      {run: h.requestWebcam},
		"StartWebcamStream":  {run: h.startWebcamStream},
		"StartScreenStream":  {run: h.startScreenStream},
		"StopStream":         {run: h.stopStream},
		"CloseWebcam":        {run: h.closeWebcam},
		"StartKeyLogger":     {run: h.startKeyLogger},
		"StopKeyLogger":      {run: h.stopKeyLogger},
	}
}

// Connect registers a new session and greets it. The returned outbox must be
// drained by the caller (dispatch.Outbox.Run).
func (h *Handler) Connect(ctx context.Context, sessionID string) (*dispatch.Outbox, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandlerClosed
	}
	outbox, err := h.registry.Register(sessionID)
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("control: register session: %w", err)
	}
	s := newSession(ctx, sessionID, outbox, h.registry)
	h.sessions[sessionID] = s
	h.mu.Unlock()

	h.auth.Open(sessionID)
	slog.Info("control: session connected", "session_id", sessionID)

	s.emit(types.NewStatus(types.StatusAuth, true, "connected"))
	r := h.getServerStatus(s.ctx, s, types.Invocation{})
	s.emit(r.status)
	for _, ev := range r.follow {
		s.emit(ev)
	}
	return outbox, nil
}

// Disconnect cancels everything the session started and forgets it
// (idempotent)
func (h *Handler) Disconnect(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}

	s.cancel()
	s.stopAll()
	h.auth.Logout(sessionID)
	h.registry.Unregister(sessionID)

	slog.Info("control: session disconnected", "session_id", sessionID)
}

// Handle executes one invocation to completion. Callers run it in its own
// goroutine.
//
// Algorithm:
//  1. Unknown session → dropped (the connection is already gone)
//  2. Unknown method → ReceiveStatus(SYSTEM, false)
//  3. Guarded method without a principal → ReceiveStatus(AUTH, false, "not authorized")
//  4. Otherwise run it and queue its terminal status, then any follow-up events
func (h *Handler) Handle(sessionID string, inv types.Invocation) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		slog.Debug("control: invocation for unknown session", "session_id", sessionID, "method", inv.Method)
		return
	}

	h.invocations.Add(1)
	log := slog.With("session_id", sessionID, "method", inv.Method)

	cmd, ok := h.commands[inv.Method]
	if !ok {
		h.unknownMethods.Add(1)
		log.Warn("control: unknown method")
		h.finish(s, inv, reply{status: types.NewStatus(types.StatusSystem, false, "unknown method "+inv.Method)})
		return
	}

	if !cmd.public && !h.auth.IsAuthenticated(sessionID) {
		h.notAuthorized.Add(1)
		log.Info("control: command rejected, not authorized")
		h.finish(s, inv, reply{status: types.NewStatus(types.StatusAuth, false, "not authorized")})
		return
	}

	start := time.Now()
	r := cmd.run(s.ctx, s, inv)
	log.Debug("control: command finished",
		"ok", r.status.OK,
		"message", r.status.Message,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.finish(s, inv, r)
}

func (h *Handler) finish(s *session, inv types.Invocation, r reply) {
	r.status.ReplyTo = inv.ID
	s.emit(r.status)
	for _, ev := range r.follow {
		s.emit(ev)
	}
}

func (h *Handler) audit(s *session, action, username string, ok bool, detail string) {
	h.auditor.Audit(types.AuditEvent{
		Action:    action,
		SessionID: s.id,
		Username:  username,
		OK:        ok,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// Stats returns handler counters
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	sessions := len(h.sessions)
	h.mu.Unlock()

	return Stats{
		Sessions:       sessions,
		Invocations:    h.invocations.Load(),
		NotAuthorized:  h.notAuthorized.Load(),
		UnknownMethods: h.unknownMethods.Load(),
	}
}

// Close disconnects every session and refuses new ones
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
}
