package audio

import (
	"sync"
)

// RingBuffer is a fixed-capacity byte queue shared between a capture callback
// and the goroutine that slices it into frames. Writes never block; bytes that
// do not fit are dropped and reported via the return value.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next read position
	count int
}

// NewRingBuffer creates a ring buffer holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write copies as much of data as fits and returns the number of bytes stored.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	space := len(rb.buf) - rb.count
	n := len(data)
	if n > space {
		n = space
	}

	tail := (rb.head + rb.count) % len(rb.buf)
	first := copy(rb.buf[tail:], data[:n])
	if first < n {
		copy(rb.buf, data[first:n])
	}
	rb.count += n
	return n
}

// Read copies up to len(data) bytes out of the buffer.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

// ReadFull fills data only when enough bytes are buffered; otherwise it reads nothing.
func (rb *RingBuffer) ReadFull(data []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count < len(data) {
		return false
	}
	rb.readLocked(data)
	return true
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := len(data)
	if n > rb.count {
		n = rb.count
	}
	first := copy(data[:n], rb.buf[rb.head:])
	if first < n {
		copy(data[first:n], rb.buf)
	}
	rb.head = (rb.head + n) % len(rb.buf)
	rb.count -= n
	return n
}

// Available returns the number of bytes waiting to be read.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes that can still be written.
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buf) - rb.count
}

// Clear discards all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.count = 0
}

// IsEmpty reports whether nothing is buffered.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull reports whether no more bytes can be written.
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}
