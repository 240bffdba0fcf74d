package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-remote/internal/framedecoder"
)

const (
	pullPollInterval = 250 * time.Millisecond
	sourceStopWait   = 3 * time.Second
)

// source adapts both backend styles to "give me the next encoded frame"
type source interface {
	next(ctx context.Context) ([]byte, error)
	// close stops the backend and releases goroutines (idempotent)
	close()
	backend() Backend
}

func newSource(b Backend, fps, maxFrameBytes int) (source, error) {
	switch v := b.(type) {
	case Streamer:
		return newStreamSource(v, maxFrameBytes), nil
	case Puller:
		return newPullSource(v, fps), nil
	default:
		return nil, fmt.Errorf("capture: backend %s is neither a streamer nor a puller", b.Name())
	}
}

// streamSource runs a FrameDecoder over a push-style backend in its own
// goroutine and hands frames over an unbuffered channel, so nothing queues
// between the decoder and the caller.
type streamSource struct {
	b       Streamer
	decoder *framedecoder.Decoder

	frames chan []byte
	quit   chan struct{}
	done   chan struct{}
	err    error // valid after done is closed
	once   sync.Once
}

func newStreamSource(b Streamer, maxFrameBytes int) *streamSource {
	s := &streamSource{
		b:       b,
		decoder: framedecoder.New(maxFrameBytes),
		frames:  make(chan []byte),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *streamSource) pump() {
	defer close(s.done)

	// the reader is closed by backend Stop; Pump returns on EOF or read error
	s.err = s.decoder.Pump(context.Background(), s.b.Stream(), func(frame []byte) {
		select {
		case s.frames <- frame:
		case <-s.quit:
		}
	})

	stats := s.decoder.Stats()
	slog.Debug("capture: decoder finished",
		"candidate", s.b.Name(),
		"frames", stats.Frames,
		"oversized", stats.Oversized,
		"discarded_bytes", stats.DiscardedBytes,
	)
}

func (s *streamSource) next(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *streamSource) close() {
	s.once.Do(func() {
		close(s.quit)
		if err := s.b.Stop(); err != nil {
			slog.Warn("capture: backend stop failed", "candidate", s.b.Name(), "error", err)
		}
		select {
		case <-s.done:
		case <-time.After(sourceStopWait):
			slog.Warn("capture: decoder did not stop", "candidate", s.b.Name())
		}
	})
}

func (s *streamSource) backend() Backend { return s.b }

// pullSource polls a pull-style backend, spacing frames at the target rate
type pullSource struct {
	b        Puller
	interval time.Duration
	last     time.Time
	once     sync.Once
}

func newPullSource(b Puller, fps int) *pullSource {
	if fps <= 0 {
		fps = 1
	}
	return &pullSource{b: b, interval: time.Second / time.Duration(fps)}
}

func (p *pullSource) next(ctx context.Context) ([]byte, error) {
	if !p.last.IsZero() {
		if wait := time.Until(p.last.Add(p.interval)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		poll := pullPollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < poll {
				poll = remaining
			}
		}
		if poll <= 0 {
			return nil, context.DeadlineExceeded
		}

		data, err := p.b.ReadOne(poll)
		switch {
		case err == nil:
			p.last = time.Now()
			return data, nil
		case errors.Is(err, ErrEmpty):
			continue
		case errors.Is(err, ErrClosed):
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func (p *pullSource) close() {
	p.once.Do(func() {
		if err := p.b.Stop(); err != nil {
			slog.Warn("capture: backend stop failed", "candidate", p.b.Name(), "error", err)
		}
	})
}

func (p *pullSource) backend() Backend { return p.b }
