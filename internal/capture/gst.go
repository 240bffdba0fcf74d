//go:build gst

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GstAvailable reports whether GStreamer candidates can be offered
func GstAvailable() bool { return true }

// GstConfig configures a GStreamer capture pipeline
type GstConfig struct {
	Name string
	// Source element: v4l2src, avfvideosrc or ximagesrc
	Source string
	// Device is the v4l2 device path or the avfvideosrc device index
	Device string
	Width  int
	Height int
	FPS    int
}

// gstBackend pulls encoded JPEG stills from an appsink.
//
// Pipeline:
//
//	<source> → videoconvert → videoscale → videorate → capsfilter → jpegenc → appsink
type gstBackend struct {
	cfg GstConfig

	pipeline *gst.Pipeline
	appsink  *app.Sink

	// single slot, latest wins (appsink already runs max-buffers=1 drop=true)
	frames chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	framesReceived uint64
	failure        atomic.Int32
}

// NewGstBackend builds the pipeline for cfg. The pipeline starts on Start.
func NewGstBackend(cfg GstConfig) (Backend, error) {
	if cfg.Name == "" {
		cfg.Name = "gst-" + cfg.Source
	}
	b := &gstBackend{
		cfg:    cfg,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	b.failure.Store(int32(CategoryUnknown))
	if err := b.build(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *gstBackend) build() error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("capture: create pipeline: %w", err)
	}

	src, err := gst.NewElement(b.cfg.Source)
	if err != nil {
		return fmt.Errorf("capture: create %s: %w", b.cfg.Source, err)
	}
	switch b.cfg.Source {
	case "v4l2src":
		if b.cfg.Device != "" {
			src.SetProperty("device", b.cfg.Device)
		}
	case "avfvideosrc":
		if idx, err := strconv.Atoi(b.cfg.Device); err == nil {
			src.SetProperty("device-index", idx)
		}
	case "ximagesrc":
		src.SetProperty("use-damage", false)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("capture: create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("capture: create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("capture: create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("capture: create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", b.cfg.Width, b.cfg.Height, b.cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	encoder, err := gst.NewElement("jpegenc")
	if err != nil {
		return fmt.Errorf("capture: create jpegenc: %w", err)
	}
	encoder.SetProperty("quality", 70)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("capture: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, videorate, capsfilter, encoder, appsink.Element); err != nil {
		return fmt.Errorf("capture: add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, encoder, appsink.Element); err != nil {
		return fmt.Errorf("capture: link elements: %w", err)
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: b.onNewSample,
	})

	b.pipeline = pipeline
	b.appsink = appsink

	slog.Debug("capture: gstreamer pipeline built", "candidate", b.cfg.Name, "caps", capsStr)
	return nil
}

// onNewSample copies the encoded still into the slot, replacing an unread one
func (b *gstBackend) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	atomic.AddUint64(&b.framesReceived, 1)

	select {
	case <-b.frames:
	default:
	}
	select {
	case b.frames <- frame:
	default:
	}
	return gst.FlowOK
}

// Name implements Backend
func (b *gstBackend) Name() string {
	return b.cfg.Name
}

// Start sets the pipeline to PLAYING and watches the bus
func (b *gstBackend) Start(ctx context.Context) error {
	if err := b.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("capture: start pipeline: %w", err)
	}
	go b.watchBus(ctx)
	return nil
}

// watchBus ends the backend on EOS or ERROR
func (b *gstBackend) watchBus(ctx context.Context) {
	bus := b.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return
		case <-b.done:
			return
		default:
		}

		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("capture: gstreamer end of stream", "candidate", b.cfg.Name)
			b.Stop()
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			category := Classify(gerr.Error() + " " + gerr.DebugString())
			b.failure.Store(int32(category))
			slog.Warn("capture: gstreamer pipeline error",
				"candidate", b.cfg.Name,
				"error", gerr.Error(),
				"category", category.String(),
			)
			b.Stop()
			return
		}
	}
}

// ReadOne returns the latest encoded still
func (b *gstBackend) ReadOne(timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-b.frames:
		return frame, nil
	case <-b.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrEmpty
	}
}

// Failure implements Diagnoser
func (b *gstBackend) Failure() Category {
	return Category(b.failure.Load())
}

// Stop sets the pipeline to NULL (idempotent)
func (b *gstBackend) Stop() error {
	var err error
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.done)
		err = b.pipeline.SetState(gst.StateNull)
		slog.Debug("capture: gstreamer pipeline stopped",
			"candidate", b.cfg.Name,
			"frames_received", atomic.LoadUint64(&b.framesReceived),
		)
	})
	return err
}
