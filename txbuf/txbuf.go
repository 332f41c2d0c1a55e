// Package txbuf batches frames bound for one egress port.
package txbuf

import (
	"github.com/romshark/afxdp-l2fwd/dataplane"
	"github.com/romshark/afxdp-l2fwd/stats"
)

// DefaultCapacity is the default number of frames held before a flush.
const DefaultCapacity = 32

// Buffer accumulates frames for an egress port and hands them to the
// transmitter in batches. Frames the transmitter rejects are freed and
// counted as dropped; they are never retried.
//
// A Buffer is owned by a single core and isn't safe for concurrent use.
type Buffer struct {
	port   dataplane.PortID
	tx     dataplane.Transmitter
	stats  *stats.Port
	frames []dataplane.Frame
}

// New creates a buffer for port. Capacity < 1 selects DefaultCapacity.
func New(
	port dataplane.PortID,
	capacity int,
	tx dataplane.Transmitter,
	st *stats.Port,
) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		port:   port,
		tx:     tx,
		stats:  st,
		frames: make([]dataplane.Frame, 0, capacity),
	}
}

// Port returns the egress port.
func (b *Buffer) Port() dataplane.PortID { return b.port }

// Len returns the number of buffered frames.
func (b *Buffer) Len() int { return len(b.frames) }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.frames) }

// Enqueue appends f and flushes once the buffer is full.
// It returns the number of frames transmitted by that flush, 0 otherwise.
func (b *Buffer) Enqueue(f dataplane.Frame) int {
	b.frames = append(b.frames, f)
	if len(b.frames) < cap(b.frames) {
		return 0
	}
	return b.Flush()
}

// Flush transmits all buffered frames in a single call and empties the
// buffer. It returns the number of frames the transmitter accepted.
func (b *Buffer) Flush() int {
	n := len(b.frames)
	if n == 0 {
		return 0
	}

	sent := b.tx.Transmit(b.port, b.frames)
	sent = max(0, min(sent, n))

	var bytes uint64
	for _, f := range b.frames[:sent] {
		bytes += uint64(len(f.Data))
	}
	if sent < n {
		b.tx.Free(b.frames[sent:])
		b.stats.RecordDrop(n - sent)
	}
	b.stats.RecordTransmit(sent, bytes)

	clear(b.frames)
	b.frames = b.frames[:0]
	return sent
}
