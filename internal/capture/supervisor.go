package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-remote/internal/framedecoder"
	"github.com/e7canasta/orion-remote/internal/mailbox"
	"github.com/e7canasta/orion-remote/internal/types"
)

const (
	defaultHealthWindow = 2 * time.Second
	batchMinTimeout     = 30 * time.Second
	batchTimeoutMargin  = 15 * time.Second
	snapshotTimeout     = 10 * time.Second

	liveMinFPS  = 1
	liveMaxFPS  = 15
	batchMaxFPS = 30
)

// SupervisorConfig configures a Supervisor
type SupervisorConfig struct {
	// HealthWindow is how long a started candidate has to produce its first frame
	HealthWindow  time.Duration
	MaxFrameBytes int
	// Default resolution for requests that carry none
	Width  int
	Height int
}

// Supervisor turns an ordered candidate list into a frame stream.
//
// Exactly one backend per capture kind is open at a time in the whole
// process: a new request on a kind cancels the previous holder and waits
// for it to release the kind before opening anything.
type Supervisor struct {
	source CandidateSource
	cfg    SupervisorConfig

	mu      sync.Mutex
	current map[types.CaptureKind]*lease
	sems    map[types.CaptureKind]chan struct{}

	streamsStarted  atomic.Uint64
	candidateFails  atomic.Uint64
	noViableBackend atomic.Uint64
}

// lease is the right to open the device of one kind
type lease struct {
	sup     *Supervisor
	kind    types.CaptureKind
	ctx     context.Context
	cancel  context.CancelFunc
	sem     chan struct{}
	held    bool
	backend atomic.Value // string
	once    sync.Once
}

// NewSupervisor creates a supervisor drawing candidates from source
func NewSupervisor(source CandidateSource, cfg SupervisorConfig) *Supervisor {
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = defaultHealthWindow
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = framedecoder.DefaultMaxFrameBytes
	}
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}

	s := &Supervisor{
		source:  source,
		cfg:     cfg,
		current: make(map[types.CaptureKind]*lease),
		sems:    make(map[types.CaptureKind]chan struct{}),
	}
	for _, k := range []types.CaptureKind{types.KindScreen, types.KindWebcam} {
		s.sems[k] = make(chan struct{}, 1)
	}
	return s
}

// acquire supersedes the current holder of kind and waits for the kind to
// become free. The returned lease is cancelled by a newer acquire or Release.
func (s *Supervisor) acquire(parent context.Context, kind types.CaptureKind) (*lease, error) {
	ctx, cancel := context.WithCancel(parent)
	l := &lease{sup: s, kind: kind, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	sem, ok := s.sems[kind]
	if !ok {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("capture: unknown kind %q", kind)
	}
	if prev := s.current[kind]; prev != nil {
		slog.Info("capture: superseding active capture", "kind", kind)
		prev.cancel()
	}
	s.current[kind] = l
	l.sem = sem
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		l.held = true
		return l, nil
	case <-ctx.Done():
		l.release()
		return nil, ctx.Err()
	}
}

// release frees the kind (idempotent)
func (l *lease) release() {
	l.once.Do(func() {
		l.cancel()

		l.sup.mu.Lock()
		if l.sup.current[l.kind] == l {
			delete(l.sup.current, l.kind)
		}
		l.sup.mu.Unlock()

		if l.held {
			<-l.sem
		}
	})
}

func (l *lease) backendName() string {
	if v, ok := l.backend.Load().(string); ok {
		return v
	}
	return ""
}

// normalize fills defaults and clamps the frame rate for mode
func (s *Supervisor) normalize(req types.CaptureRequest, mode Mode) types.CaptureRequest {
	if req.Width <= 0 || req.Height <= 0 {
		req.Width, req.Height = s.cfg.Width, s.cfg.Height
	}
	ceiling := batchMaxFPS
	if mode == ModeLive {
		ceiling = liveMaxFPS
	}
	if req.FPS < liveMinFPS {
		req.FPS = liveMinFPS
	}
	if req.FPS > ceiling {
		req.FPS = ceiling
	}
	return req
}

// open walks the candidates in order and returns the first one that starts
// and produces a frame inside the health window.
//
// Algorithm:
//  1. For each candidate: Open, then Start (failure → next)
//  2. Race the first frame against the health window (timeout → stop, next)
//  3. First healthy candidate wins; later candidates are never tried
//  4. Nothing healthy → ErrDeviceBusy if any failure looked like a busy
//     device, else ErrNoViableBackend
func (s *Supervisor) open(ctx context.Context, req types.CaptureRequest, mode Mode) (source, Candidate, []byte, error) {
	candidates := s.source.Candidates(req, mode)
	busy := false

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, Candidate{}, nil, err
		}

		log := slog.With("kind", req.Kind, "mode", mode.String(), "candidate", c.Name, "rank", c.Rank)

		b, err := c.Open()
		if err != nil {
			log.Debug("capture: candidate unavailable", "error", err)
			s.candidateFails.Add(1)
			continue
		}

		if err := b.Start(ctx); err != nil {
			busy = busy || failedBusy(b)
			log.Warn("capture: candidate failed to start", "error", err)
			s.candidateFails.Add(1)
			continue
		}

		src, err := newSource(b, req.FPS, s.cfg.MaxFrameBytes)
		if err != nil {
			b.Stop()
			log.Warn("capture: candidate unusable", "error", err)
			s.candidateFails.Add(1)
			continue
		}

		first, err := s.healthCheck(ctx, src)
		if err != nil {
			src.close()
			if ctx.Err() != nil {
				return nil, Candidate{}, nil, ctx.Err()
			}
			busy = busy || failedBusy(b)
			log.Warn("capture: candidate failed health check",
				"window", s.cfg.HealthWindow,
				"error", err,
			)
			s.candidateFails.Add(1)
			continue
		}

		log.Info("capture: committed to candidate", "family", c.Family.String())
		return src, c, first, nil
	}

	s.noViableBackend.Add(1)
	if busy {
		return nil, Candidate{}, nil, fmt.Errorf("%w (%d candidates tried)", ErrDeviceBusy, len(candidates))
	}
	return nil, Candidate{}, nil, fmt.Errorf("%w (%d candidates tried)", ErrNoViableBackend, len(candidates))
}

// healthCheck races the first frame against the health window
func (s *Supervisor) healthCheck(ctx context.Context, src source) ([]byte, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthWindow)
	defer cancel()

	frame, err := src.next(hctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no frame within %s", s.cfg.HealthWindow)
		}
		return nil, err
	}
	return frame, nil
}

func failedBusy(b Backend) bool {
	d, ok := b.(Diagnoser)
	return ok && d.Failure() == CategoryBusy
}

// Stream is a committed live capture feeding a mailbox
type Stream struct {
	ID        string
	Kind      types.CaptureKind
	Backend   string
	StartedAt time.Time

	lease  *lease
	done   chan struct{}
	frames atomic.Uint64
	err    error // valid after done
}

// Stop cancels the stream and waits for the backend to be released
func (st *Stream) Stop() {
	st.lease.cancel()
	<-st.done
}

// Done is closed once the backend has been released
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// Err returns the completion error after Done (nil for a clean end)
func (st *Stream) Err() error {
	<-st.done
	return st.err
}

// Stats returns per-stream statistics
func (st *Stream) Stats() types.StreamStats {
	return types.StreamStats{
		StreamID:  st.ID,
		Kind:      st.Kind,
		Backend:   st.Backend,
		Frames:    st.frames.Load(),
		StartedAt: st.StartedAt,
	}
}

// Stream starts a live capture and feeds sink until ctx is cancelled, the
// backend ends or a read fails. There is no failover after commit.
//
// sink completion:
//   - Close(nil) on cancel or end of stream
//   - Close(ErrPartialFailure) on a read error after commit
//   - Close(err) when no candidate could be committed
func (s *Supervisor) Stream(ctx context.Context, req types.CaptureRequest, sink *mailbox.Mailbox) (*Stream, error) {
	req = s.normalize(req, ModeLive)

	l, err := s.acquire(ctx, req.Kind)
	if err != nil {
		sink.Close(err)
		return nil, err
	}

	src, cand, first, err := s.open(l.ctx, req, ModeLive)
	if err != nil {
		l.release()
		sink.Close(err)
		return nil, err
	}
	l.backend.Store(cand.Name)
	s.streamsStarted.Add(1)

	st := &Stream{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Backend:   cand.Name,
		StartedAt: time.Now(),
		lease:     l,
		done:      make(chan struct{}),
	}

	slog.Info("capture: live stream started",
		"stream_id", st.ID,
		"kind", st.Kind,
		"backend", st.Backend,
		"fps", req.FPS,
	)

	st.publish(sink, first)
	go s.feed(st, src, sink)
	return st, nil
}

func (st *Stream) publish(sink *mailbox.Mailbox, data []byte) {
	seq := st.frames.Add(1)
	sink.Publish(&types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Kind:      st.Kind,
		Data:      data,
		StreamID:  st.ID,
	})
}

func (s *Supervisor) feed(st *Stream, src source, sink *mailbox.Mailbox) {
	defer close(st.done)
	defer st.lease.release()
	defer src.close()

	ctx := st.lease.ctx
	for {
		data, err := src.next(ctx)
		if err == nil {
			st.publish(sink, data)
			continue
		}

		switch {
		case ctx.Err() != nil:
			st.err = nil
		case errors.Is(err, io.EOF):
			st.err = nil
		default:
			slog.Warn("capture: live stream read failed",
				"stream_id", st.ID,
				"backend", st.Backend,
				"error", err,
			)
			st.err = fmt.Errorf("%w: %v", ErrPartialFailure, err)
		}

		slog.Info("capture: live stream ended",
			"stream_id", st.ID,
			"kind", st.Kind,
			"backend", st.Backend,
			"frames", st.frames.Load(),
			"error", st.err,
		)
		sink.Close(st.err)
		return
	}
}

// Capture runs a bounded batch capture and returns the ordered frames.
//
// The whole operation is bounded by max(30s, duration+15s); on expiry the
// backend is force-stopped. Zero frames → ErrTimeout; frames followed by a
// failure → frames plus ErrPartialFailure.
func (s *Supervisor) Capture(ctx context.Context, req types.CaptureRequest) ([]*types.Frame, error) {
	req = s.normalize(req, ModeBatch)
	if req.Duration <= 0 {
		return nil, errors.New("capture: batch capture needs a duration")
	}

	limit := req.Duration + batchTimeoutMargin
	if limit < batchMinTimeout {
		limit = batchMinTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	l, err := s.acquire(ctx, req.Kind)
	if err != nil {
		return nil, s.timeoutOr(ctx, err)
	}
	defer l.release()

	src, cand, first, err := s.open(l.ctx, req, ModeBatch)
	if err != nil {
		return nil, s.timeoutOr(ctx, err)
	}
	defer src.close()
	l.backend.Store(cand.Name)

	streamID := uuid.NewString()
	maxFrames := int(req.Duration.Seconds()*float64(req.FPS) + 0.5)
	if maxFrames < 1 {
		maxFrames = 1
	}

	frames := make([]*types.Frame, 0, maxFrames)
	appendFrame := func(data []byte) {
		frames = append(frames, &types.Frame{
			Seq:       uint64(len(frames) + 1),
			Timestamp: time.Now(),
			Kind:      req.Kind,
			Data:      data,
			StreamID:  streamID,
		})
	}
	appendFrame(first)

	window, cancelWindow := context.WithTimeout(l.ctx, req.Duration)
	defer cancelWindow()

	for len(frames) < maxFrames {
		data, err := src.next(window)
		if err == nil {
			appendFrame(data)
			continue
		}

		switch {
		case window.Err() != nil && l.ctx.Err() == nil:
			// duration elapsed
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			slog.Warn("capture: batch hit absolute timeout", "kind", req.Kind, "backend", cand.Name, "frames", len(frames))
			return frames, fmt.Errorf("%w: %v", ErrPartialFailure, ErrTimeout)
		case l.ctx.Err() != nil:
			return frames, l.ctx.Err()
		default:
			slog.Warn("capture: batch ended early", "kind", req.Kind, "backend", cand.Name, "frames", len(frames), "error", err)
			return frames, fmt.Errorf("%w: %v", ErrPartialFailure, err)
		}
		break
	}

	slog.Info("capture: batch complete",
		"kind", req.Kind,
		"backend", cand.Name,
		"frames", len(frames),
		"duration", req.Duration,
		"fps", req.FPS,
	)
	return frames, nil
}

// Snapshot captures a single still
func (s *Supervisor) Snapshot(ctx context.Context, kind types.CaptureKind) (*types.Frame, error) {
	req := s.normalize(types.CaptureRequest{Kind: kind, FPS: liveMinFPS}, ModeSnapshot)

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	l, err := s.acquire(ctx, kind)
	if err != nil {
		return nil, s.timeoutOr(ctx, err)
	}
	defer l.release()

	src, cand, first, err := s.open(l.ctx, req, ModeSnapshot)
	if err != nil {
		return nil, s.timeoutOr(ctx, err)
	}
	src.close()

	slog.Debug("capture: snapshot taken", "kind", kind, "backend", cand.Name, "size_bytes", len(first))
	return &types.Frame{
		Seq:       1,
		Timestamp: time.Now(),
		Kind:      kind,
		Data:      first,
		StreamID:  uuid.NewString(),
	}, nil
}

// timeoutOr maps an expired operation deadline to ErrTimeout
func (s *Supervisor) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Release stops whatever capture currently holds kind. Returns false when
// nothing was active.
func (s *Supervisor) Release(kind types.CaptureKind) bool {
	s.mu.Lock()
	l := s.current[kind]
	s.mu.Unlock()

	if l == nil {
		return false
	}
	l.cancel()
	return true
}

// Active returns the backend name per kind for captures holding a device
func (s *Supervisor) Active() map[types.CaptureKind]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.CaptureKind]string, len(s.current))
	for kind, l := range s.current {
		if name := l.backendName(); name != "" {
			out[kind] = name
		}
	}
	return out
}

// SupervisorStats contains supervisor counters
type SupervisorStats struct {
	StreamsStarted  uint64
	CandidateFails  uint64
	NoViableBackend uint64
	Active          map[types.CaptureKind]string
}

// Stats returns supervisor counters
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		StreamsStarted:  s.streamsStarted.Load(),
		CandidateFails:  s.candidateFails.Load(),
		NoViableBackend: s.noViableBackend.Load(),
		Active:          s.Active(),
	}
}

// Shutdown cancels every active capture and waits until each kind is free
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, l := range s.current {
		l.cancel()
	}
	sems := make([]chan struct{}, 0, len(s.sems))
	for _, sem := range s.sems {
		sems = append(sems, sem)
	}
	s.mu.Unlock()

	for _, sem := range sems {
		select {
		case sem <- struct{}{}:
			<-sem
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
