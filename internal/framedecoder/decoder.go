// Package framedecoder extracts complete JPEG stills from an MJPEG byte stream.
package framedecoder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
)

const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8 // start of image
	markerEOI    = 0xD9 // end of image

	// DefaultMaxFrameBytes bounds one in-progress frame
	DefaultMaxFrameBytes = 5 * 1024 * 1024

	readChunkBytes    = 64 * 1024
	initialFrameBytes = 256 * 1024
)

// Stats contains decoder counters
type Stats struct {
	Frames         uint64 // Complete frames emitted
	Oversized      uint64 // Frames dropped for exceeding the size bound
	DiscardedBytes uint64 // Bytes skipped while scanning for a start marker
}

// Decoder is a stateful MJPEG frame splitter.
//
// Algorithm:
//  1. Outside a frame, scan for FF D8; bytes before it are discarded
//  2. On FF D8, start accumulating (markers included)
//  3. Inside a frame, scan for FF D9; on match emit start..end and reset
//  4. prev carries the last byte across Feed calls so split markers are found
//  5. A frame growing past maxFrameBytes is dropped and scanning resumes
//
// Not safe for concurrent use; one decoder per stream.
type Decoder struct {
	maxFrameBytes int

	buf     []byte
	inFrame bool
	prev    byte
	hasPrev bool

	stats Stats
}

// New creates a decoder. maxFrameBytes <= 0 selects DefaultMaxFrameBytes.
func New(maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrameBytes: maxFrameBytes}
}

// Feed consumes one chunk and returns the frames it completed, in order.
// Returned slices are owned by the caller.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	var frames [][]byte

	pos := 0
	for pos < len(chunk) {
		if !d.inFrame {
			pos = d.scanStart(chunk, pos)
			continue
		}

		b := chunk[pos]
		pos++

		if len(d.buf) >= d.maxFrameBytes {
			d.dropOversized()
			d.setPrev(b)
			continue
		}

		d.buf = append(d.buf, b)

		if d.hasPrev && d.prev == markerPrefix && b == markerEOI {
			frame := make([]byte, len(d.buf))
			copy(frame, d.buf)
			frames = append(frames, frame)
			d.stats.Frames++

			d.buf = d.buf[:0]
			d.inFrame = false
		}
		d.setPrev(b)
	}

	return frames
}

// scanStart looks for the start marker from pos and returns the next position
// to process. On a match the decoder enters the in-frame state.
func (d *Decoder) scanStart(chunk []byte, pos int) int {
	// Marker split across chunks: FF ended the previous chunk
	if d.hasPrev && d.prev == markerPrefix && chunk[pos] == markerSOI {
		d.beginFrame()
		return pos + 1
	}

	rel := bytes.IndexByte(chunk[pos:], markerPrefix)
	if rel < 0 {
		d.stats.DiscardedBytes += uint64(len(chunk) - pos)
		d.setPrev(chunk[len(chunk)-1])
		return len(chunk)
	}

	ff := pos + rel
	d.stats.DiscardedBytes += uint64(rel)
	d.setPrev(markerPrefix)
	return ff + 1
}

func (d *Decoder) beginFrame() {
	if cap(d.buf) == 0 {
		d.buf = make([]byte, 0, initialFrameBytes)
	}
	d.buf = append(d.buf[:0], markerPrefix, markerSOI)
	d.inFrame = true
	d.setPrev(markerSOI)
}

func (d *Decoder) dropOversized() {
	slog.Warn("framedecoder: dropping oversized frame",
		"max_bytes", d.maxFrameBytes,
		"action", "rescanning for start marker",
	)
	d.stats.Oversized++
	d.buf = d.buf[:0]
	d.inFrame = false
}

func (d *Decoder) setPrev(b byte) {
	d.prev = b
	d.hasPrev = true
}

// Reset discards any partial frame and lookback state
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.prev = 0
	d.hasPrev = false
}

// InFrame reports whether a frame is being accumulated
func (d *Decoder) InFrame() bool {
	return d.inFrame
}

// Stats returns a copy of the decoder counters
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Pump reads r until EOF, error or ctx cancellation, calling onFrame for every
// decoded frame. io.EOF is reported as nil.
func (d *Decoder) Pump(ctx context.Context, r io.Reader, onFrame func([]byte)) error {
	chunk := make([]byte, readChunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(chunk)
		if n > 0 {
			for _, frame := range d.Feed(chunk[:n]) {
				onFrame(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
