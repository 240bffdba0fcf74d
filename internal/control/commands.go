package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/e7canasta/orion-remote/internal/auth"
	"github.com/e7canasta/orion-remote/internal/capture"
	"github.com/e7canasta/orion-remote/internal/dispatch"
	"github.com/e7canasta/orion-remote/internal/mailbox"
	"github.com/e7canasta/orion-remote/internal/types"
)

func status(category string, ok bool, format string, args ...interface{}) reply {
	return reply{status: types.NewStatus(category, ok, fmt.Sprintf(format, args...))}
}

// authReply is the status + server status pair every auth command ends with
func (h *Handler) authReply(s *session, ok bool, message string, extra ...types.Event) reply {
	follow := []types.Event{types.NewServerStatus(string(h.auth.CurrentStatus(s.id)))}
	return reply{
		status: types.NewStatus(types.StatusAuth, ok, message),
		follow: append(follow, extra...),
	}
}

// sessionToken returns the resume token event when tokens are enabled
func (h *Handler) sessionToken(s *session) []types.Event {
	if !h.auth.TokensEnabled() {
		return nil
	}
	token, err := h.auth.IssueToken(s.id)
	if err != nil {
		slog.Warn("control: issue session token failed", "session_id", s.id, "error", err)
		return nil
	}
	return []types.Event{types.NewSessionToken(token)}
}

func (h *Handler) submitSetupCode(ctx context.Context, s *session, inv types.Invocation) reply {
	ok := h.auth.ValidateSetupCode(s.id, inv.String("code"))
	h.audit(s, types.AuditSetupCode, "", ok, "")
	if !ok {
		return h.authReply(s, false, "invalid setup code")
	}
	return h.authReply(s, true, "setup code accepted")
}

func (h *Handler) registerUser(ctx context.Context, s *session, inv types.Invocation) reply {
	username := inv.String("username")
	err := h.auth.Register(ctx, s.id, username, inv.String("password"))
	h.audit(s, types.AuditRegister, username, err == nil, errString(err))

	switch {
	case err == nil:
		return h.authReply(s, true, "registered", h.sessionToken(s)...)
	case errors.Is(err, auth.ErrNotAllowed):
		return h.authReply(s, false, "registration not allowed")
	case errors.Is(err, auth.ErrInvalidInput):
		return h.authReply(s, false, "username and password are required")
	case errors.Is(err, auth.ErrUsernameTaken):
		return h.authReply(s, false, "username already exists")
	default:
		slog.Error("control: registration failed", "session_id", s.id, "error", err)
		return h.authReply(s, false, "registration failed")
	}
}

func (h *Handler) login(ctx context.Context, s *session, inv types.Invocation) reply {
	username := inv.String("username")
	ok := h.auth.Authenticate(ctx, s.id, username, inv.String("password"))
	h.audit(s, types.AuditLogin, username, ok, "")
	if !ok {
		return h.authReply(s, false, "invalid credentials")
	}
	return h.authReply(s, true, "authenticated", h.sessionToken(s)...)
}

func (h *Handler) resumeSession(ctx context.Context, s *session, inv types.Invocation) reply {
	username, err := h.auth.Resume(ctx, s.id, inv.String("token"))
	h.audit(s, types.AuditResume, username, err == nil, errString(err))

	switch {
	case err == nil:
		return h.authReply(s, true, "authenticated")
	case errors.Is(err, auth.ErrTokensDisabled):
		return h.authReply(s, false, "session tokens disabled")
	default:
		return h.authReply(s, false, "invalid session token")
	}
}

func (h *Handler) logout(ctx context.Context, s *session, inv types.Invocation) reply {
	username, _ := h.auth.Principal(s.id)
	s.stopAll()
	h.auth.Logout(s.id)
	h.auth.Open(s.id)
	h.audit(s, types.AuditLogout, username, true, "")
	return h.authReply(s, true, "logged out")
}

func (h *Handler) getServerStatus(ctx context.Context, s *session, inv types.Invocation) reply {
	st := string(h.auth.CurrentStatus(s.id))
	return reply{
		status: types.NewStatus(types.StatusServerStatus, true, st),
		follow: []types.Event{types.NewServerStatus(st)},
	}
}

func (h *Handler) getProcessList(ctx context.Context, s *session, inv types.Invocation) reply {
	if h.procs == nil {
		return status(types.StatusApp, false, "process directory unavailable")
	}
	list, err := h.procs.List(inv.Bool("appsOnly"))
	if err != nil {
		slog.Warn("control: process list failed", "session_id", s.id, "error", err)
		return status(types.StatusApp, false, "process list failed")
	}
	if list == nil {
		list = []types.ProcessInfo{}
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return status(types.StatusApp, false, "process list encoding failed")
	}
	s.emit(types.NewProcessList(string(payload)))
	return status(types.StatusApp, true, "%d processes", len(list))
}

func (h *Handler) startProcess(ctx context.Context, s *session, inv types.Invocation) reply {
	if h.procs == nil {
		return status(types.StatusStart, false, "process directory unavailable")
	}
	path := inv.String("path")
	ok := h.procs.Start(path)
	h.audit(s, types.AuditProcessStart, "", ok, path)
	if !ok {
		return status(types.StatusStart, false, "failed to start %s", path)
	}
	return status(types.StatusStart, true, "started %s", path)
}

func (h *Handler) killProcess(ctx context.Context, s *session, inv types.Invocation) reply {
	if h.procs == nil {
		return status(types.StatusKill, false, "process directory unavailable")
	}
	id, err := inv.Int("id")
	if err != nil {
		return status(types.StatusKill, false, "invalid process id")
	}
	ok := h.procs.Kill(id)
	h.audit(s, types.AuditProcessKill, "", ok, fmt.Sprint(id))
	if !ok {
		return status(types.StatusKill, false, "failed to kill %d", id)
	}
	return status(types.StatusKill, true, "killed %d", id)
}

func (h *Handler) shutdownServer(ctx context.Context, s *session, inv types.Invocation) reply {
	if h.procs == nil {
		return status(types.StatusPower, false, "process directory unavailable")
	}
	restart := inv.Bool("restart")
	action := "shutdown"
	if restart {
		action = "restart"
	}
	ok := h.procs.PowerAction(restart)
	h.audit(s, types.AuditPowerAction, "", ok, action)
	if !ok {
		return status(types.StatusPower, false, "%s failed", action)
	}
	return status(types.StatusPower, true, "%s requested", action)
}

func (h *Handler) getScreenshot(ctx context.Context, s *session, inv types.Invocation) reply {
	frame, err := h.capture.Snapshot(ctx, types.KindScreen)
	if err != nil {
		h.captureFailed(s, types.KindScreen, err)
		return status(types.StatusScreen, false, "%s", captureReason(err))
	}
	s.emit(types.NewImage(types.ImageScreenshot, frame))
	return status(types.StatusScreen, true, "screenshot captured")
}

func (h *Handler) requestWebcamProof(ctx context.Context, s *session, inv types.Invocation) reply {
	return h.batch(ctx, s, h.cfg.FrameRate)
}

func (h *Handler) requestWebcam(ctx context.Context, s *session, inv types.Invocation) reply {
	return h.batch(ctx, s, h.cfg.WebcamFPS)
}

// batch captures for the proof duration and delivers the frames paced
func (h *Handler) batch(ctx context.Context, s *session, fps int) reply {
	frames, err := h.capture.Capture(ctx, types.CaptureRequest{
		Kind:     types.KindWebcam,
		FPS:      fps,
		Duration: h.cfg.ProofDuration,
	})
	if err != nil {
		h.captureFailed(s, types.KindWebcam, err)
	}

	events := make([]types.Event, len(frames))
	for i, f := range frames {
		events[i] = types.NewImage(types.ImageWebcamFrame, f)
	}
	sent, paceErr := dispatch.Pace(ctx, s.outbox, events, h.cfg.BatchPace)

	switch {
	case err != nil && sent == 0:
		return status(types.StatusWebcam, false, "%s", captureReason(err))
	case err != nil:
		return status(types.StatusWebcam, false, "%s after %d frames", captureReason(err), sent)
	case paceErr != nil:
		return status(types.StatusWebcam, false, "delivery interrupted after %d frames", sent)
	default:
		return status(types.StatusWebcam, true, "captured %d frames", sent)
	}
}

func (h *Handler) startWebcamStream(ctx context.Context, s *session, inv types.Invocation) reply {
	return h.startStream(s, types.KindWebcam, inv)
}

func (h *Handler) startScreenStream(ctx context.Context, s *session, inv types.Invocation) reply {
	return h.startStream(s, types.KindScreen, inv)
}

// startStream commits a live capture bound to the session lifetime and
// forwards its frames through the outbox hand-off lane
func (h *Handler) startStream(s *session, kind types.CaptureKind, inv types.Invocation) reply {
	category := statusCategory(kind)

	fps, err := inv.Int("fps")
	if err != nil || fps <= 0 {
		fps = h.cfg.FrameRate
	}

	// a new request replaces this session's previous stream of the same kind
	s.stopStream(kind)

	ctx, cancel := context.WithCancel(s.ctx)
	box := mailbox.New()
	st, err := h.capture.Stream(ctx, types.CaptureRequest{Kind: kind, FPS: fps}, box)
	if err != nil {
		cancel()
		h.captureFailed(s, kind, err)
		return status(category, false, "%s", captureReason(err))
	}

	ls := &liveStream{st: st, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.streams[kind] = ls
	s.mu.Unlock()

	go h.forward(s, kind, ls, box)
	return status(category, true, "stream started (%s)", st.Backend)
}

// forward drains the stream mailbox into the session outbox until the
// stream completes
func (h *Handler) forward(s *session, kind types.CaptureKind, ls *liveStream, box *mailbox.Mailbox) {
	defer close(ls.done)
	defer ls.cancel()

	imageKind := imageKindFor(kind)
	var err error
	for {
		var frame *types.Frame
		// the capture layer always closes the mailbox when the stream ends
		frame, err = box.Next(context.Background())
		if err != nil {
			break
		}
		if offerErr := s.outbox.Offer(ls.ctx, types.NewImage(imageKind, frame)); errors.Is(offerErr, dispatch.ErrSessionGone) {
			ls.cancel()
		}
	}

	s.mu.Lock()
	if s.streams[kind] == ls {
		delete(s.streams, kind)
	}
	s.mu.Unlock()

	if ls.stopped.Load() || s.ctx.Err() != nil {
		return
	}

	category := statusCategory(kind)
	if errors.Is(err, io.EOF) {
		s.emit(types.NewStatus(category, true, "stream ended"))
		return
	}
	h.captureFailed(s, kind, err)
	s.emit(types.NewStatus(category, false, captureReason(err)))
}

func (h *Handler) stopStream(ctx context.Context, s *session, inv types.Invocation) reply {
	kind, err := types.ParseCaptureKind(inv.String("kind"))
	if err != nil {
		return status(types.StatusSystem, false, "invalid stream kind")
	}
	if !s.stopStream(kind) {
		return status(statusCategory(kind), false, "no active stream")
	}
	return status(statusCategory(kind), true, "stream stopped")
}

func (h *Handler) closeWebcam(ctx context.Context, s *session, inv types.Invocation) reply {
	s.stopStream(types.KindWebcam)
	h.capture.Release(types.KindWebcam)
	return status(types.StatusWebcam, true, "webcam released")
}

func (h *Handler) startKeyLogger(ctx context.Context, s *session, inv types.Invocation) reply {
	s.mu.Lock()
	running := s.keys != nil
	s.mu.Unlock()
	if running {
		return status(types.StatusKeylog, true, "key logger already running")
	}
	if h.keys == nil {
		return status(types.StatusKeylog, false, "key logger unavailable")
	}

	src, err := h.keys()
	if err != nil {
		slog.Warn("control: key logger unavailable", "session_id", s.id, "error", err)
		return status(types.StatusKeylog, false, "key logger unavailable")
	}
	if err := src.Start(func(token string) {
		s.emit(types.NewKeyLog(token))
	}); err != nil {
		slog.Warn("control: key logger start failed", "session_id", s.id, "error", err)
		return status(types.StatusKeylog, false, "key logger failed to start")
	}

	s.mu.Lock()
	if s.keys != nil || s.ctx.Err() != nil {
		// lost a race with another StartKeyLogger or a disconnect
		s.mu.Unlock()
		src.Stop()
		return status(types.StatusKeylog, true, "key logger already running")
	}
	s.keys = src
	s.mu.Unlock()

	go h.watchKeys(s, src)
	return status(types.StatusKeylog, true, "key logger started")
}

// watchKeys reports a key source that ends without StopKeyLogger
func (h *Handler) watchKeys(s *session, src KeySource) {
	select {
	case <-src.Done():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	unexpected := s.keys == src
	if unexpected {
		s.keys = nil
	}
	s.mu.Unlock()
	if !unexpected {
		return
	}

	slog.Warn("control: key logger ended unexpectedly", "session_id", s.id)
	src.Stop()
	s.emit(types.NewStatus(types.StatusKeylog, false, "key logger stopped unexpectedly"))
}

func (h *Handler) stopKeyLogger(ctx context.Context, s *session, inv types.Invocation) reply {
	if !s.stopKeys() {
		return status(types.StatusKeylog, true, "key logger not running")
	}
	return status(types.StatusKeylog, true, "key logger stopped")
}

func (h *Handler) captureFailed(s *session, kind types.CaptureKind, err error) {
	username, _ := h.auth.Principal(s.id)
	h.audit(s, types.AuditCaptureFail, username, false, fmt.Sprintf("%s: %v", kind, err))
}

// captureReason maps capture errors to the message shown to the controller
func captureReason(err error) string {
	switch {
	case errors.Is(err, capture.ErrDeviceBusy):
		return "device busy"
	case errors.Is(err, capture.ErrNoViableBackend):
		return "no capture backend available"
	case errors.Is(err, capture.ErrTimeout):
		return "capture timed out"
	case errors.Is(err, capture.ErrPartialFailure):
		return "capture ended early"
	case errors.Is(err, context.Canceled):
		return "capture cancelled"
	default:
		return "capture failed"
	}
}

func statusCategory(kind types.CaptureKind) string {
	if kind == types.KindScreen {
		return types.StatusScreen
	}
	return types.StatusWebcam
}

func imageKindFor(kind types.CaptureKind) string {
	if kind == types.KindScreen {
		return types.ImageScreenFrame
	}
	return types.ImageWebcamFrame
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
