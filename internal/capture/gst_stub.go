//go:build !gst

package capture

// GstAvailable reports whether GStreamer candidates can be offered
func GstAvailable() bool { return false }

// GstConfig configures a GStreamer capture pipeline
type GstConfig struct {
	Name   string
	Source string
	Device string
	Width  int
	Height int
	FPS    int
}

// NewGstBackend always fails without the gst build tag
func NewGstBackend(cfg GstConfig) (Backend, error) {
	return nil, ErrGstUnavailable
}
