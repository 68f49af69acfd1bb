package hl7

import (
	"bytes"
	"time"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D
)

var endMarker = []byte{EndBlock, CarriageReturn}

// FrameDecoder accumulates bytes read from a socket and cuts complete MLLP
// frames out of them. A frame is only recognised when the buffer starts with
// the start block; bytes in front of a start block are never skipped, so a
// desynchronised stream keeps accumulating until the caller resets it.
//
// A FrameDecoder is owned by a single session and is not safe for concurrent use.
type FrameDecoder struct {
	buf          []byte
	pendingSince time.Time
}

// Write appends p to the accumulation buffer.
func (d *FrameDecoder) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(d.buf) == 0 {
		d.pendingSince = time.Now()
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the payload of the first complete frame in the buffer and
// removes that frame from it. ok is false while no complete frame is present.
func (d *FrameDecoder) Next() (payload []byte, ok bool) {
	if len(d.buf) == 0 || d.buf[0] != StartBlock {
		return nil, false
	}

	end := bytes.Index(d.buf[1:], endMarker)
	if end == -1 {
		return nil, false
	}
	end++ // relative to d.buf

	payload = make([]byte, end-1)
	copy(payload, d.buf[1:end])

	rest := d.buf[end+len(endMarker):]
	if len(rest) == 0 {
		d.Reset()
	} else {
		d.buf = append(d.buf[:0], rest...)
		d.pendingSince = time.Now()
	}
	return payload, true
}

// Pending reports how many bytes are buffered without forming a frame.
func (d *FrameDecoder) Pending() int {
	return len(d.buf)
}

// PendingSince is the arrival time of the oldest buffered byte. It is the
// zero time when the buffer is empty.
func (d *FrameDecoder) PendingSince() time.Time {
	if len(d.buf) == 0 {
		return time.Time{}
	}
	return d.pendingSince
}

// Desynced reports whether the buffer ends with an end marker but does not
// begin with a start block. Such a buffer can never become a frame.
func (d *FrameDecoder) Desynced() bool {
	return len(d.buf) >= len(endMarker) &&
		d.buf[0] != StartBlock &&
		bytes.HasSuffix(d.buf, endMarker)
}

// Reset drops everything buffered.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
	d.pendingSince = time.Time{}
}

// WrapMLLP adds MLLP wrapper to message
func WrapMLLP(message []byte) []byte {
	if len(message) == 0 {
		return message
	}

	// Check if already wrapped
	if message[0] == StartBlock {
		return message
	}

	frame := make([]byte, 0, len(message)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, message...)
	return append(frame, EndBlock, CarriageReturn)
}

// UnwrapMLLP removes MLLP wrapper from message
func UnwrapMLLP(message []byte) []byte {
	message = bytes.TrimPrefix(message, []byte{StartBlock})
	message = bytes.TrimSuffix(message, endMarker)
	return message
}
