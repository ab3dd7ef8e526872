// Package ringbuf provides a fixed-capacity byte buffer that retains the
// most recent bytes written. It backs subprocess output capture, where old
// output is less interesting than the tail.
package ringbuf

import "sync"

// Buffer is a bounded byte ring. Writes beyond capacity discard the oldest
// bytes; the total number of bytes ever written is tracked separately so
// callers can tell how much was dropped.
//
// Writes are expected from a single producer goroutine. Snapshot and
// TotalWritten may be called concurrently with writes.
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
	total uint64
}

// New creates a buffer that retains the last capacity bytes.
// Capacity must be positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Write appends p, discarding the oldest bytes once the ring is full.
// It never fails; the returned count is always len(p).
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.total += uint64(n)

	capacity := len(b.buf)
	if n >= capacity {
		// A single oversized write: only the trailing bytes survive.
		copy(b.buf, p[n-capacity:])
		b.start = 0
		b.size = capacity
		return n, nil
	}

	end := (b.start + b.size) % capacity
	first := copy(b.buf[end:], p)
	if first < n {
		copy(b.buf, p[first:])
	}

	b.size += n
	if b.size > capacity {
		b.start = (b.start + b.size - capacity) % capacity
		b.size = capacity
	}
	return n, nil
}

// Snapshot returns the retained bytes in write order.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.size)
	first := copy(out, b.buf[b.start:min(b.start+b.size, len(b.buf))])
	if first < b.size {
		copy(out[first:], b.buf[:b.size-first])
	}
	return out
}

// String returns the retained bytes as a string.
func (b *Buffer) String() string {
	return string(b.Snapshot())
}

// TotalWritten returns the number of bytes ever written, including bytes
// discarded by wrap. Monotonic.
func (b *Buffer) TotalWritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear discards the retained bytes. TotalWritten is unaffected.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.size = 0
}
