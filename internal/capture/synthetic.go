package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"
)

// SyntheticBackend generates JPEG test patterns at a fixed rate. Used with
// capture.backend: mock and in tests.
type SyntheticBackend struct {
	name   string
	width  int
	height int
	fps    int

	mu        sync.Mutex
	running   bool
	closed    bool
	stopCh    chan struct{}
	nextAt    time.Time
	seq       uint64
	startTime time.Time
}

// NewSyntheticBackend creates a pattern generator
func NewSyntheticBackend(name string, width, height, fps int) *SyntheticBackend {
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 240
	}
	if fps <= 0 {
		fps = 10
	}
	return &SyntheticBackend{
		name:   name,
		width:  width,
		height: height,
		fps:    fps,
		stopCh: make(chan struct{}),
	}
}

// Name implements Backend
func (m *SyntheticBackend) Name() string {
	return m.name
}

// Start implements Backend
func (m *SyntheticBackend) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.closed {
		return fmt.Errorf("capture: %s already started", m.name)
	}
	m.running = true
	m.startTime = time.Now()
	m.nextAt = m.startTime

	slog.Debug("capture: synthetic backend starting",
		"candidate", m.name,
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)
	return nil
}

// ReadOne waits for the next frame slot and encodes a pattern
func (m *SyntheticBackend) ReadOne(timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	wait := time.Until(m.nextAt)
	m.mu.Unlock()

	if wait > timeout {
		select {
		case <-time.After(timeout):
			return nil, ErrEmpty
		case <-m.stopCh:
			return nil, ErrClosed
		}
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-m.stopCh:
			return nil, ErrClosed
		}
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	seq := m.seq
	m.seq++
	m.nextAt = m.nextAt.Add(time.Second / time.Duration(m.fps))
	if now := time.Now(); m.nextAt.Before(now) {
		m.nextAt = now
	}
	m.mu.Unlock()

	return m.render(seq)
}

// render draws a moving bar so consecutive frames differ
func (m *SyntheticBackend) render(seq uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	barX := int(seq*8) % m.width
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			c := color.RGBA{R: uint8(x * 255 / m.width), G: uint8(y * 255 / m.height), B: 96, A: 255}
			if x >= barX && x < barX+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, fmt.Errorf("capture: encode synthetic frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Stop implements Backend
func (m *SyntheticBackend) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.running = false
	close(m.stopCh)

	slog.Debug("capture: synthetic backend stopped",
		"candidate", m.name,
		"frames_emitted", m.seq,
		"duration", time.Since(m.startTime),
	)
	return nil
}
