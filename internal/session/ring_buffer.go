package session

import "unicode/utf8"

// RingBuffer keeps the most recent bytes of terminal output so a connection
// that attaches late can redraw the screen. It is not safe for concurrent
// use; the registry only touches it with the owning session locked.
type RingBuffer struct {
	buf      []byte
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes. A
// capacity of zero or less disables it.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, overwriting the oldest bytes once full.
func (rb *RingBuffer) Write(p []byte) {
	if rb.capacity == 0 || len(p) == 0 {
		return
	}

	if len(p) >= rb.capacity {
		copy(rb.buf, p[len(p)-rb.capacity:])
		rb.pos = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.pos:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
	}
	if rb.pos+len(p) >= rb.capacity {
		rb.full = true
	}
	rb.pos = (rb.pos + len(p)) % rb.capacity
}

// Bytes returns the buffered output in order. When older output has been
// overwritten, a partial rune at the cut is dropped.
func (rb *RingBuffer) Bytes() []byte {
	if !rb.full {
		out := make([]byte, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}

	out := make([]byte, rb.capacity)
	copy(out, rb.buf[rb.pos:])
	copy(out[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	for len(out) > 0 && !utf8.RuneStart(out[0]) {
		out = out[1:]
	}
	return out
}

// Len reports how many bytes are buffered.
func (rb *RingBuffer) Len() int {
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}
