package capture

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/e7canasta/orion-remote/internal/types"
)

// Mode selects which candidate list a request draws from
type Mode int

const (
	// ModeLive is an open-ended stream
	ModeLive Mode = iota
	// ModeBatch is a bounded capture returning all frames at the end
	ModeBatch
	// ModeSnapshot is a single still
	ModeSnapshot
)

// String returns human-readable mode name
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeBatch:
		return "batch"
	case ModeSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// CandidateSource produces the ordered candidate list for a request
type CandidateSource interface {
	Candidates(req types.CaptureRequest, mode Mode) []Candidate
}

// CatalogConfig holds every backend parameter the catalog may need
type CatalogConfig struct {
	// Backend is auto, mock or gst
	Backend              string
	FfmpegPath           string
	MacAvFoundationInput string
	MacScreenInput       string
	LinuxVideoDevice     string
	LinuxDisplay         string
}

type stillTool struct {
	name string
	args []string
}

// Catalog is the capability-selection table: it is resolved once at startup
// (platform and binary probes) and then only builds candidate lists.
type Catalog struct {
	cfg    CatalogConfig
	goos   string
	ffmpeg string // resolved path, empty when not installed
	stills []StillConfig
	gst    bool
}

// NewCatalog probes the running platform
func NewCatalog(cfg CatalogConfig) *Catalog {
	return newCatalog(cfg, runtime.GOOS, exec.LookPath)
}

func newCatalog(cfg CatalogConfig, goos string, lookPath func(string) (string, error)) *Catalog {
	c := &Catalog{cfg: cfg, goos: goos, gst: GstAvailable()}

	if cfg.Backend == "mock" {
		slog.Info("capture: catalog resolved", "backend", "mock")
		return c
	}

	if path, err := lookPath(cfg.FfmpegPath); err == nil {
		c.ffmpeg = path
	} else {
		slog.Warn("capture: ffmpeg not found, stream candidates disabled", "path", cfg.FfmpegPath)
	}

	var tools []stillTool
	switch goos {
	case "darwin":
		tools = []stillTool{
			{"screencapture", []string{"-x", "-t", "jpg", OutputPlaceholder}},
		}
	case "linux":
		tools = []stillTool{
			{"gnome-screenshot", []string{"-f", OutputPlaceholder}},
			{"scrot", []string{OutputPlaceholder}},
			{"import", []string{"-window", "root", OutputPlaceholder}},
		}
	}
	for _, t := range tools {
		path, err := lookPath(t.name)
		if err != nil {
			continue
		}
		c.stills = append(c.stills, StillConfig{
			Name: t.name,
			Path: path,
			Args: t.args,
			Ext:  ".jpg",
		})
	}

	stillNames := make([]string, len(c.stills))
	for i, s := range c.stills {
		stillNames[i] = s.Name
	}
	slog.Info("capture: catalog resolved",
		"backend", cfg.Backend,
		"goos", goos,
		"ffmpeg", c.ffmpeg,
		"still_tools", stillNames,
		"gstreamer", c.gst,
	)
	return c
}

// Candidates implements CandidateSource
func (c *Catalog) Candidates(req types.CaptureRequest, mode Mode) []Candidate {
	var out []Candidate
	add := func(name string, family Family, open func() (Backend, error)) {
		out = append(out, Candidate{Name: name, Rank: len(out) + 1, Family: family, Open: open})
	}

	if c.cfg.Backend == "mock" {
		name := "synthetic-" + string(req.Kind)
		add(name, FamilySynthetic, func() (Backend, error) {
			return NewSyntheticBackend(name, req.Width, req.Height, req.FPS), nil
		})
		return out
	}

	gstOnly := c.cfg.Backend == "gst"

	if mode == ModeSnapshot && req.Kind == types.KindScreen && !gstOnly {
		for _, s := range c.stills {
			s := s
			add(s.Name, FamilyNative, func() (Backend, error) {
				return NewStillBackend(s), nil
			})
		}
	}

	if c.ffmpeg != "" && !gstOnly {
		for i, args := range c.ffmpegArgs(req) {
			name := fmt.Sprintf("ffmpeg-%s-%d", lowerKind(req.Kind), i+1)
			cfg := PipeConfig{Name: name, Path: c.ffmpeg, Args: args}
			add(name, FamilySubprocess, func() (Backend, error) {
				return NewPipeBackend(cfg), nil
			})
		}
	}

	if c.gst {
		if gcfg, ok := c.gstConfig(req); ok {
			add(gcfg.Name, FamilyNative, func() (Backend, error) {
				return NewGstBackend(gcfg)
			})
		}
	}

	return out
}

func lowerKind(k types.CaptureKind) string {
	if k == types.KindScreen {
		return "screen"
	}
	return "webcam"
}

func commonBase() []string {
	return []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
}

func commonLowLatency() []string {
	return append(commonBase(), "-fflags", "nobuffer", "-flags", "low_delay")
}

// mjpegOutput is the tail shared by every stream candidate
func mjpegOutput(fps int, withFilter bool) []string {
	var out []string
	if withFilter {
		out = append(out, "-vf", "fps="+strconv.Itoa(fps))
	}
	return append(out, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "12", "-flush_packets", "1", "pipe:1")
}

func join(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ffmpegArgs returns argument variants ordered from most likely to succeed
// to most defensive
func (c *Catalog) ffmpegArgs(req types.CaptureRequest) [][]string {
	size := req.Resolution()
	fps := req.FPS

	switch {
	case c.goos == "darwin" && req.Kind == types.KindWebcam:
		in := c.cfg.MacAvFoundationInput
		return [][]string{
			join(commonBase(), []string{"-f", "avfoundation", "-framerate", "30", "-video_size", size, "-i", in}, mjpegOutput(fps, true)),
			join(commonBase(), []string{"-f", "avfoundation", "-framerate", "30", "-pixel_format", "nv12", "-video_size", size, "-i", in}, mjpegOutput(fps, true)),
			join(commonLowLatency(), []string{"-f", "avfoundation", "-framerate", "30", "-video_size", size, "-i", in}, mjpegOutput(fps, true)),
			join(commonBase(), []string{"-f", "avfoundation", "-video_size", size, "-i", in}, mjpegOutput(fps, true)),
			join(commonBase(), []string{"-f", "avfoundation", "-i", in}, mjpegOutput(fps, true)),
		}

	case c.goos == "darwin" && req.Kind == types.KindScreen:
		in := c.cfg.MacScreenInput
		return [][]string{
			join(commonBase(), []string{"-f", "avfoundation", "-framerate", "30", "-capture_cursor", "1", "-i", in}, []string{"-s", size}, mjpegOutput(fps, true)),
			join(commonBase(), []string{"-f", "avfoundation", "-i", in}, mjpegOutput(fps, true)),
		}

	case c.goos == "linux" && req.Kind == types.KindWebcam:
		dev := c.cfg.LinuxVideoDevice
		rate := strconv.Itoa(fps)
		return [][]string{
			join(commonLowLatency(), []string{"-f", "v4l2", "-framerate", rate, "-video_size", size, "-i", dev}, mjpegOutput(fps, false)),
			join(commonLowLatency(), []string{"-f", "v4l2", "-i", dev}, mjpegOutput(fps, true)),
		}

	case c.goos == "linux" && req.Kind == types.KindScreen:
		display := c.cfg.LinuxDisplay
		if env := os.Getenv("DISPLAY"); env != "" {
			display = env
		}
		return [][]string{
			join(commonBase(), []string{"-f", "x11grab", "-framerate", strconv.Itoa(fps), "-i", display}, []string{"-s", size}, mjpegOutput(fps, false)),
			join(commonBase(), []string{"-f", "x11grab", "-i", display}, mjpegOutput(fps, true)),
		}
	}

	return nil
}

func (c *Catalog) gstConfig(req types.CaptureRequest) (GstConfig, bool) {
	cfg := GstConfig{Width: req.Width, Height: req.Height, FPS: req.FPS}

	switch {
	case c.goos == "linux" && req.Kind == types.KindWebcam:
		cfg.Source, cfg.Device = "v4l2src", c.cfg.LinuxVideoDevice
	case c.goos == "linux" && req.Kind == types.KindScreen:
		cfg.Source = "ximagesrc"
	case c.goos == "darwin" && req.Kind == types.KindWebcam:
		cfg.Source, cfg.Device = "avfvideosrc", "0"
	default:
		return GstConfig{}, false
	}
	cfg.Name = "gst-" + cfg.Source
	return cfg, true
}
