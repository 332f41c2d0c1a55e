// Package tstamp encodes and decodes the sender timestamp header carried by
// latency probe frames.
//
// The header follows the untagged Ethernet header directly:
//
//	offset 14  SendTime  uint64 LE  nanoseconds since the Unix epoch
//	offset 22  Seq       uint64 LE  sender sequence number
//
// Forwarding never modifies the header.
package tstamp

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	// Offset is the byte offset of the header within a frame.
	Offset = 14
	// Len is the encoded header length.
	Len = 16

	sendTimeOff = 0
	seqOff      = 8
)

// MinFrameLen is the minimum frame length that carries a send time.
const MinFrameLen = Offset + 8

var ErrShortFrame = errors.New("frame too short for timestamp header")

// Header is the timestamp header.
type Header struct {
	SendTime int64
	Seq      uint64
}

// Now returns the current realtime clock reading in nanoseconds.
// Sender and receiver must share this clock domain for latency to be
// meaningful.
func Now() int64 { return time.Now().UnixNano() }

// Put encodes h into frame.
func Put(frame []byte, h Header) error {
	if len(frame) < Offset+Len {
		return ErrShortFrame
	}
	b := frame[Offset:]
	binary.LittleEndian.PutUint64(b[sendTimeOff:], uint64(h.SendTime))
	binary.LittleEndian.PutUint64(b[seqOff:], h.Seq)
	return nil
}

// SendTime decodes the send time.
// ok is false if the frame is too short to contain one.
func SendTime(frame []byte) (t int64, ok bool) {
	if len(frame) < MinFrameLen {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(frame[Offset+sendTimeOff:])), true
}

// Read decodes the header. Seq is zero when the frame ends before it.
func Read(frame []byte) (h Header, ok bool) {
	h.SendTime, ok = SendTime(frame)
	if !ok {
		return Header{}, false
	}
	if len(frame) >= Offset+Len {
		h.Seq = binary.LittleEndian.Uint64(frame[Offset+seqOff:])
	}
	return h, true
}

// Latency returns recv minus the frame's send time in nanoseconds.
// The result is negative when the sender clock is ahead of recv;
// it is returned unchanged.
func Latency(frame []byte, recv int64) (latency int64, ok bool) {
	sent, ok := SendTime(frame)
	if !ok {
		return 0, false
	}
	return recv - sent, true
}
