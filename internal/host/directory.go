// Package host lists and controls processes on the machine running the
// service.
package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/e7canasta/orion-remote/internal/types"
)

const commandTimeout = 10 * time.Second

// ErrInvalidPID is returned for pids that must never be signalled
var ErrInvalidPID = errors.New("host: refusing to signal pid")

// Runner executes a command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Config wires a Directory. Zero values select the real host.
type Config struct {
	// UID owns the "apps" in List(appsOnly=true); defaults to os.Getuid()
	UID int
	// PID of the service itself, excluded from apps; defaults to os.Getpid()
	PID    int
	Runner Runner
	// Spawn starts a detached program
	Spawn func(path string) error
	// Signal kills a pid
	Signal func(pid int) error
}

// Directory implements the process directory with ps, kill and shutdown
type Directory struct {
	uid    int
	pid    int
	run    Runner
	spawn  func(path string) error
	signal func(pid int) error
}

// New creates a directory; unset Config fields use the running host
func New(cfg Config) *Directory {
	d := &Directory{
		uid:    cfg.UID,
		pid:    cfg.PID,
		run:    cfg.Runner,
		spawn:  cfg.Spawn,
		signal: cfg.Signal,
	}
	if d.uid == 0 {
		d.uid = os.Getuid()
	}
	if d.pid == 0 {
		d.pid = os.Getpid()
	}
	if d.run == nil {
		d.run = ExecRunner
	}
	if d.spawn == nil {
		d.spawn = spawnDetached
	}
	if d.signal == nil {
		d.signal = killProcess
	}
	return d
}

// List returns host processes. appsOnly keeps the service user's own
// programs, without kernel threads or the service itself.
func (d *Directory) List(appsOnly bool) ([]types.ProcessInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := d.run(ctx, "ps", "-axo", "pid=,uid=,rss=,args=")
	if err != nil {
		return nil, fmt.Errorf("host: list processes: %w", err)
	}

	entries := parsePS(out)
	list := make([]types.ProcessInfo, 0, len(entries))
	for _, e := range entries {
		if appsOnly && !d.isApp(e) {
			continue
		}
		list = append(list, e.info)
	}

	slog.Debug("host: process list", "apps_only", appsOnly, "count", len(list))
	return list, nil
}

func (d *Directory) isApp(e psEntry) bool {
	if e.uid != d.uid || e.info.ID == d.pid {
		return false
	}
	title := e.info.Title
	return title != "" && !strings.HasPrefix(title, "[")
}

type psEntry struct {
	uid  int
	info types.ProcessInfo
}

// parsePS reads "pid uid rss args..." lines; malformed lines are skipped
func parsePS(out []byte) []psEntry {
	var entries []psEntry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		uid, err2 := strconv.Atoi(fields[1])
		rssKB, err3 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		args := strings.Join(fields[3:], " ")
		entries = append(entries, psEntry{
			uid: uid,
			info: types.ProcessInfo{
				ID:          pid,
				Name:        processName(fields[3]),
				Title:       args,
				MemoryBytes: rssKB * 1024,
			},
		})
	}
	return entries
}

func processName(argv0 string) string {
	name := strings.Trim(argv0, "[]")
	name = filepath.Base(name)
	return strings.TrimSuffix(name, ":")
}

// Start launches path detached from the service. Empty paths are refused.
func (d *Directory) Start(path string) bool {
	path = strings.TrimSpace(path)
	if path == "" {
		return false
	}
	if err := d.spawn(path); err != nil {
		slog.Warn("host: start process failed", "path", path, "error", err)
		return false
	}
	slog.Info("host: process started", "path", path)
	return true
}

// Kill force-kills pid
func (d *Directory) Kill(id int) bool {
	if id <= 1 || id == d.pid {
		slog.Warn("host: kill refused", "pid", id, "error", ErrInvalidPID)
		return false
	}
	if err := d.signal(id); err != nil {
		slog.Warn("host: kill failed", "pid", id, "error", err)
		return false
	}
	slog.Info("host: process killed", "pid", id)
	return true
}

// PowerAction restarts or halts the machine
func (d *Directory) PowerAction(restart bool) bool {
	flag, action := "-h", "shutdown"
	if restart {
		flag, action = "-r", "restart"
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := d.run(ctx, "shutdown", flag, "now"); err != nil {
		slog.Error("host: power action failed", "action", action, "error", err)
		return false
	}
	slog.Warn("host: power action requested", "action", action)
	return true
}
