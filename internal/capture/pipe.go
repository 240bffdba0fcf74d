package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stopGracePeriod = 2 * time.Second
	stderrTailLines = 20
)

// PipeConfig configures a subprocess encoder
type PipeConfig struct {
	// Name identifies the candidate in logs
	Name string
	// Path is the encoder binary (e.g. ffmpeg)
	Path string
	Args []string
}

// PipeBackend runs an external encoder whose stdout is an MJPEG byte stream.
//
// Lifecycle:
//
//	Start() → spawn process, stdout/stderr on os.Pipe, goroutines: logStderr, waitProcess
//	Stream() → read end of stdout (EOF when the process exits)
//	Stop() → interrupt, wait up to 2s, then Process.Kill
//
// Stdout and stderr use os.Pipe directly so cmd.Wait never closes a pipe
// that is still being read.
type PipeBackend struct {
	cfg PipeConfig

	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	exited chan struct{}

	isActive atomic.Bool
	stopping atomic.Bool

	mu   sync.Mutex
	tail []string
}

// NewPipeBackend creates a backend for cfg
func NewPipeBackend(cfg PipeConfig) *PipeBackend {
	if cfg.Name == "" {
		cfg.Name = cfg.Path
	}
	return &PipeBackend{cfg: cfg}
}

// Name implements Backend
func (p *PipeBackend) Name() string {
	return p.cfg.Name
}

// Start spawns the encoder process
func (p *PipeBackend) Start(ctx context.Context) error {
	if p.isActive.Load() {
		return fmt.Errorf("capture: %s already started", p.cfg.Name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	outR, outW, err := os.Pipe()
	if err != nil {
		p.cancel()
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		p.cancel()
		outR.Close()
		outW.Close()
		return fmt.Errorf("capture: stderr pipe: %w", err)
	}

	p.cmd = exec.CommandContext(p.ctx, p.cfg.Path, p.cfg.Args...)
	p.cmd.Stdout = outW
	p.cmd.Stderr = errW
	// ffmpeg finalizes on SIGINT; Stop escalates to Kill after the grace period
	p.cmd.Cancel = func() error {
		return p.cmd.Process.Signal(os.Interrupt)
	}

	if err := p.cmd.Start(); err != nil {
		p.cancel()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		p.recordTail(err.Error())
		return fmt.Errorf("capture: start %s: %w", p.cfg.Name, err)
	}

	// The child holds its own copies; closing ours makes EOF observable
	outW.Close()
	errW.Close()

	p.stdout = outR
	p.stderr = errR
	p.exited = make(chan struct{})
	p.isActive.Store(true)
	p.stopping.Store(false)

	slog.Debug("capture: encoder process spawned",
		"candidate", p.cfg.Name,
		"pid", p.cmd.Process.Pid,
		"args", strings.Join(p.cfg.Args, " "),
	)

	p.wg.Add(2)
	go p.logStderr()
	go p.waitProcess()

	return nil
}

// Stream returns the encoder stdout
func (p *PipeBackend) Stream() io.Reader {
	return p.stdout
}

// Exited is closed when the process has been reaped
func (p *PipeBackend) Exited() <-chan struct{} {
	return p.exited
}

// Failure classifies the captured stderr tail
func (p *PipeBackend) Failure() Category {
	return ClassifyLines(p.StderrTail())
}

// StderrTail returns the last stderr lines
func (p *PipeBackend) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

func (p *PipeBackend) recordTail(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[len(p.tail)-stderrTailLines:]
	}
}

// logStderr maps encoder stderr lines to slog levels and keeps a short tail
// for failure classification
func (p *PipeBackend) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.recordTail(line)

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "[error]"), strings.Contains(lower, "error"):
			slog.Error("capture: encoder error", "candidate", p.cfg.Name, "log", line)
		case strings.Contains(lower, "warn"):
			slog.Warn("capture: encoder warning", "candidate", p.cfg.Name, "log", line)
		default:
			slog.Debug("capture: encoder log", "candidate", p.cfg.Name, "log", line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Debug("capture: error reading encoder stderr", "candidate", p.cfg.Name, "error", err)
	}
}

// waitProcess reaps the process and prevents zombies
func (p *PipeBackend) waitProcess() {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()

	switch {
	case err == nil:
		slog.Debug("capture: encoder exited cleanly", "candidate", p.cfg.Name, "pid", p.cmd.Process.Pid)
	case p.stopping.Load() || p.ctx.Err() != nil:
		slog.Debug("capture: encoder exited (shutdown)", "candidate", p.cfg.Name, "pid", p.cmd.Process.Pid)
	default:
		slog.Warn("capture: encoder exited unexpectedly",
			"candidate", p.cfg.Name,
			"pid", p.cmd.Process.Pid,
			"error", err,
			"category", p.Failure().String(),
		)
	}
}

// Stop interrupts the encoder, waits up to 2s and then kills it
func (p *PipeBackend) Stop() error {
	if !p.isActive.CompareAndSwap(true, false) {
		return nil
	}
	p.stopping.Store(true)

	// cancel triggers cmd.Cancel (SIGINT)
	p.cancel()

	select {
	case <-p.exited:
	case <-time.After(stopGracePeriod):
		slog.Warn("capture: encoder stop timeout, force killing process", "candidate", p.cfg.Name)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Error("capture: failed to kill encoder", "candidate", p.cfg.Name, "error", err)
		}
	}

	// Unblocks any reader still inside Stream().Read
	p.stdout.Close()
	p.stderr.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		slog.Warn("capture: encoder goroutines did not stop", "candidate", p.cfg.Name)
	}

	slog.Debug("capture: encoder stopped", "candidate", p.cfg.Name)
	return nil
}
