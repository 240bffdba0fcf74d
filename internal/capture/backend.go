// Package capture drives external capture backends (subprocess encoders,
// screenshot tools, GStreamer pipelines) and turns them into frame streams.
package capture

import (
	"context"
	"errors"
	"io"
	"time"
)

// Backend errors
var (
	// ErrEmpty is returned by ReadOne when nothing arrived within the timeout
	ErrEmpty = errors.New("capture: no frame available")
	// ErrClosed is returned by ReadOne after Stop or when the device went away
	ErrClosed = errors.New("capture: backend closed")
	// ErrGstUnavailable is returned when the binary was built without GStreamer
	ErrGstUnavailable = errors.New("capture: gstreamer support not compiled in (build with -tags gst)")
)

// Supervisor errors surfaced to callers
var (
	ErrNoViableBackend = errors.New("capture: no viable capture backend")
	ErrTimeout         = errors.New("capture: timed out")
	ErrDeviceBusy      = errors.New("capture: device busy")
	// ErrPartialFailure ends a stream early; frames already delivered stay valid
	ErrPartialFailure = errors.New("capture: stream ended after partial failure")
)

// Backend is one concrete capture strategy.
//
// Start must return promptly: either the device/process is running or an
// error explains why not. Stop is idempotent.
type Backend interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Streamer is a push-style backend whose output is a raw MJPEG byte stream
type Streamer interface {
	Backend
	Stream() io.Reader
}

// Puller is a pull-style backend that returns one encoded still per call
type Puller interface {
	Backend
	ReadOne(timeout time.Duration) ([]byte, error)
}

// Diagnoser is implemented by backends that can explain a failure
type Diagnoser interface {
	Failure() Category
}

// Family groups backends by how they talk to the device
type Family int

const (
	FamilySubprocess Family = iota
	FamilyNative
	FamilySynthetic
)

// String returns human-readable family name
func (f Family) String() string {
	switch f {
	case FamilySubprocess:
		return "subprocess"
	case FamilyNative:
		return "native"
	case FamilySynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// Candidate is an immutable descriptor for one backend attempt. Open builds a
// fresh backend; a candidate is consumed once per attempt.
type Candidate struct {
	Name   string
	Rank   int
	Family Family
	Open   func() (Backend, error)
}
