package types

import (
	"fmt"
	"strings"
	"time"
)

// CaptureKind identifies which device a frame comes from
type CaptureKind string

const (
	KindScreen CaptureKind = "SCREEN"
	KindWebcam CaptureKind = "WEBCAM"
)

// ParseCaptureKind accepts the kind names used on the wire (case-insensitive)
func ParseCaptureKind(s string) (CaptureKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SCREEN", "SCREENSHOT":
		return KindScreen, nil
	case "WEBCAM", "CAMERA":
		return KindWebcam, nil
	default:
		return "", fmt.Errorf("unknown capture kind %q", s)
	}
}

// Frame represents a single encoded still image
type Frame struct {
	// Seq is the arrival position within its stream
	Seq uint64
	// Timestamp is when the frame was decoded
	Timestamp time.Time
	// Kind is the device the frame was captured from
	Kind CaptureKind
	// Data is the encoded image (JPEG for pipe backends). Never mutated.
	Data []byte
	// StreamID identifies the capture run that produced the frame
	StreamID string
}

// CaptureRequest describes one capture invocation
type CaptureRequest struct {
	Kind CaptureKind
	// FPS is the target frame rate
	FPS int
	// Duration bounds a batch capture; zero means until cancelled
	Duration time.Duration
	// Width and Height are resolution hints for backends that accept them
	Width  int
	Height int
}

// Bounded reports whether the request is a batch capture
func (r CaptureRequest) Bounded() bool {
	return r.Duration > 0
}

// Resolution returns the WxH string understood by ffmpeg
func (r CaptureRequest) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// StreamStats contains per-stream statistics
type StreamStats struct {
	StreamID  string
	Kind      CaptureKind
	Backend   string
	Frames    uint64
	Oversized uint64
	StartedAt time.Time
}
