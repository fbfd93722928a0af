package strategy

import (
	"strings"
	"sync"
)

// RingBuffer is a fixed-capacity circular buffer of output chunks. Auth
// processes can run for minutes, so only the recent tail is kept for
// scraping and diagnostics.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Write adds a chunk to the ring buffer.
func (rb *RingBuffer) Write(chunk string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = chunk
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all chunks in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]string, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]string, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// String joins the buffered chunks.
func (rb *RingBuffer) String() string {
	return strings.Join(rb.ReadAll(), "")
}

// Tail returns at most the last n bytes of the buffered output. Only the
// newest chunks needed to cover n bytes are joined.
func (rb *RingBuffer) Tail(n int) string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	count := rb.pos
	if rb.full {
		count = rb.capacity
	}
	var parts []string
	size := 0
	for i := 0; i < count && size < n; i++ {
		chunk := rb.buf[(rb.pos-1-i+rb.capacity)%rb.capacity]
		parts = append(parts, chunk)
		size += len(chunk)
	}

	var b strings.Builder
	b.Grow(size)
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
	s := b.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
