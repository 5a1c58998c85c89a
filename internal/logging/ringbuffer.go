package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the last size bytes written to it. It backs crash dumps.
type RingBuffer struct {
	mu   sync.Mutex
	data []byte
	next int
	full bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write never fails; older bytes are overwritten once the buffer is full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.data)
	if n >= size {
		copy(rb.data, p[n-size:])
		rb.next = 0
		rb.full = true
		return n, nil
	}

	first := copy(rb.data[rb.next:], p)
	if first < n {
		copy(rb.data, p[first:])
		rb.next = n - first
		rb.full = true
		return n, nil
	}
	rb.next += n
	if rb.next == size {
		rb.next = 0
		rb.full = true
	}
	return n, nil
}

// Bytes returns a copy of the contents, oldest byte first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		return append([]byte(nil), rb.data[:rb.next]...)
	}
	out := make([]byte, 0, len(rb.data))
	out = append(out, rb.data[rb.next:]...)
	return append(out, rb.data[:rb.next]...)
}

func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
