package control

import (
	"context"

	"github.com/e7canasta/orion-remote/internal/capture"
	"github.com/e7canasta/orion-remote/internal/mailbox"
	"github.com/e7canasta/orion-remote/internal/types"
)

// ProcessDirectory lists and controls host processes
type ProcessDirectory interface {
	List(appsOnly bool) ([]types.ProcessInfo, error)
	Start(path string) bool
	Kill(id int) bool
	PowerAction(restart bool) bool
}

// KeySource delivers key tokens until stopped
type KeySource interface {
	// Start begins delivering tokens to onEvent, one call at a time, in order
	Start(onEvent func(token string)) error
	// Stop ends delivery; no onEvent call happens after it returns
	Stop() error
	// Done is closed once a started source has ended, stopped or on its own
	Done() <-chan struct{}
}

// KeySourceFactory creates one KeySource per session
type KeySourceFactory func() (KeySource, error)

// Auditor records security-relevant actions
type Auditor interface {
	Audit(ev types.AuditEvent)
}

// Capturer is the capture surface the handler drives
type Capturer interface {
	Stream(ctx context.Context, req types.CaptureRequest, sink *mailbox.Mailbox) (*capture.Stream, error)
	Capture(ctx context.Context, req types.CaptureRequest) ([]*types.Frame, error)
	Snapshot(ctx context.Context, kind types.CaptureKind) (*types.Frame, error)
	Release(kind types.CaptureKind) bool
}

type noopAuditor struct{}

func (noopAuditor) Audit(types.AuditEvent) {}
