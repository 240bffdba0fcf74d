package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultStillTimeout = 5 * time.Second
	// OutputPlaceholder in StillConfig.Args is replaced by the temp file path
	OutputPlaceholder = "{out}"
)

// StillConfig configures a one-shot screenshot tool
type StillConfig struct {
	Name string
	Path string
	// Args must contain OutputPlaceholder once
	Args []string
	// Ext is the temp file extension the tool infers its format from
	Ext     string
	Timeout time.Duration
}

// StillBackend runs a screenshot tool and returns the file it wrote. One
// tool run spans as many ReadOne calls as it needs, bounded by
// StillConfig.Timeout; nothing stays open between runs.
type StillBackend struct {
	cfg StillConfig

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	failure Category
	pending chan stillResult // current tool run, nil when idle
}

type stillResult struct {
	data []byte
	err  error
}

// NewStillBackend creates a backend for cfg
func NewStillBackend(cfg StillConfig) *StillBackend {
	if cfg.Name == "" {
		cfg.Name = cfg.Path
	}
	if cfg.Ext == "" {
		cfg.Ext = ".jpg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStillTimeout
	}
	return &StillBackend{cfg: cfg, failure: CategoryUnknown}
}

// Name implements Backend
func (s *StillBackend) Name() string {
	return s.cfg.Name
}

// Start resolves the tool binary
func (s *StillBackend) Start(ctx context.Context) error {
	if _, err := exec.LookPath(s.cfg.Path); err != nil {
		s.setFailure(CategoryNotFound)
		return fmt.Errorf("capture: %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("capture: %s already started", s.cfg.Name)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

// ReadOne waits up to timeout for the current tool run, starting one when
// idle. A run still in progress yields ErrEmpty and keeps going.
func (s *StillBackend) ReadOne(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pending == nil {
		s.pending = make(chan stillResult, 1)
		go s.run(s.ctx, s.pending)
	}
	pending := s.pending
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pending:
		s.mu.Lock()
		if s.pending == pending {
			s.pending = nil
		}
		s.mu.Unlock()
		return res.data, res.err
	case <-timer.C:
		return nil, ErrEmpty
	}
}

// run executes the tool once under its own deadline and reports on out
func (s *StillBackend) run(parent context.Context, out chan<- stillResult) {
	data, err := s.shoot(parent)
	out <- stillResult{data: data, err: err}
}

func (s *StillBackend) shoot(parent context.Context) ([]byte, error) {
	tmp, err := os.CreateTemp("", "remote-still-*"+s.cfg.Ext)
	if err != nil {
		return nil, fmt.Errorf("capture: temp file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	// Some tools refuse to overwrite an existing file
	os.Remove(path)
	defer os.Remove(path)

	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, path)
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Path, args...)
	// grandchildren may hold the output pipe past the kill
	cmd.WaitDelay = time.Second
	output, runErr := cmd.CombinedOutput()
	if parent.Err() != nil {
		return nil, ErrClosed
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("capture: screenshot tool timed out", "candidate", s.cfg.Name, "timeout", s.cfg.Timeout)
		return nil, ErrEmpty
	}
	if runErr != nil {
		diag := strings.TrimSpace(string(output))
		s.setFailure(Classify(diag + " " + runErr.Error()))
		return nil, fmt.Errorf("capture: %s: %w (%s)", s.cfg.Name, runErr, diag)
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		slog.Warn("capture: screenshot file not created", "candidate", s.cfg.Name, "path", filepath.Base(path))
		return nil, ErrEmpty
	}
	return data, nil
}

// Failure implements Diagnoser
func (s *StillBackend) Failure() Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *StillBackend) setFailure(c Category) {
	s.mu.Lock()
	s.failure = c
	s.mu.Unlock()
}

// Stop cancels any running tool invocation
func (s *StillBackend) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
