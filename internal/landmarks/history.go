package landmarks

import "sync"

// History is a fixed-capacity FIFO. When full, Push evicts the oldest entry.
type History[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewHistory creates a history holding at most capacity entries.
func NewHistory[T any](capacity int) *History[T] {
	return &History[T]{buf: make([]T, capacity)}
}

// Push appends item, evicting the oldest entry if full.
func (h *History[T]) Push(item T) {
	h.mu.Lock()
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = item
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
	h.mu.Unlock()
}

// Snapshot returns the entries oldest first.
func (h *History[T]) Snapshot() []T {
	h.mu.RLock()
	out := make([]T, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	h.mu.RUnlock()
	return out
}

func (h *History[T]) Len() int {
	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	return n
}

// Reset drops every entry.
func (h *History[T]) Reset() {
	h.mu.Lock()
	var zero T
	for i := range h.buf {
		h.buf[i] = zero
	}
	h.head, h.count = 0, 0
	h.mu.Unlock()
}
