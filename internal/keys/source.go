// Package keys turns an external key-event helper into an ordered token
// stream.
//
// The helper is any program that prints one key name per line on stdout
// (for example a small evdev or CGEventTap reader). Names are mapped by
// Normalize.
package keys

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/e7canasta/orion-remote/internal/control"
)

const stopGracePeriod = 2 * time.Second

var (
	// ErrUnavailable is returned when no helper command is configured
	ErrUnavailable = errors.New("keys: no key helper configured")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("keys: source already started")
)

// Config names the helper program
type Config struct {
	Command string
	Args    []string
}

// Factory returns a control.KeySourceFactory creating one helper per session
func Factory(cfg Config) control.KeySourceFactory {
	return func() (control.KeySource, error) {
		return NewCommandSource(cfg)
	}
}

// CommandSource runs the helper and delivers normalized tokens
type CommandSource struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
	done    chan struct{}

	delivered uint64
	dropped   uint64
}

// NewCommandSource validates cfg
func NewCommandSource(cfg Config) (*CommandSource, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrUnavailable
	}
	return &CommandSource{cfg: cfg, done: make(chan struct{})}, nil
}

// Start launches the helper. onEvent is called from a single goroutine, in
// helper output order.
func (s *CommandSource) Start(onEvent func(token string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("keys: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("keys: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("keys: start %s: %w", s.cfg.Command, err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.started = true

	slog.Info("keys: helper started", "command", s.cfg.Command, "pid", cmd.Process.Pid)

	s.wg.Add(2)
	go s.readTokens(stdout, onEvent)
	go s.logStderr(stderr)
	go s.wait()
	return nil
}

func (s *CommandSource) readTokens(r io.Reader, onEvent func(token string)) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		token, ok := Normalize(line)
		if !ok {
			s.dropped++
			if line != "" {
				slog.Debug("keys: unmapped key name", "name", line)
			}
			continue
		}
		s.delivered++
		onEvent(token)
	}
}

// logStderr maps helper stderr lines to slog levels
func (s *CommandSource) logStderr(r io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error"):
			slog.Error("keys: helper", "output", line)
		case strings.Contains(lower, "warn"):
			slog.Warn("keys: helper", "output", line)
		default:
			slog.Debug("keys: helper", "output", line)
		}
	}
}

func (s *CommandSource) wait() {
	defer close(s.done)

	// pipes must be fully read before Wait
	s.wg.Wait()
	err := s.cmd.Wait()

	s.mu.Lock()
	stopping := s.cancel == nil
	s.mu.Unlock()

	switch {
	case stopping:
		slog.Debug("keys: helper stopped", "command", s.cfg.Command)
	case err != nil:
		slog.Warn("keys: helper exited", "command", s.cfg.Command, "error", err)
	default:
		slog.Info("keys: helper finished", "command", s.cfg.Command)
	}
}

// Done is closed once the helper has exited and every token was delivered
func (s *CommandSource) Done() <-chan struct{} {
	return s.done
}

// Stop terminates the helper and waits until no more tokens can be
// delivered (idempotent)
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	slog.Info("keys: helper stopping",
		"command", s.cfg.Command,
		"delivered", s.delivered,
		"dropped", s.dropped,
	)
	return nil
}
