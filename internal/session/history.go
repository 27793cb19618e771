package session

import "sync"

// History keeps the most recent items up to a fixed limit; adding past the
// limit evicts the oldest. Safe for concurrent use.
type History[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest item once items is at limit
	limit int
}

// NewHistory returns a History holding at most limit items, minimum one.
func NewHistory[T any](limit int) *History[T] {
	return &History[T]{limit: max(limit, 1)}
}

// Add appends v, evicting the oldest item when full.
func (h *History[T]) Add(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) < h.limit {
		h.items = append(h.items, v)
		return
	}
	h.items[h.head] = v
	h.head = (h.head + 1) % h.limit
}

// Len is the number of items held.
func (h *History[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Snapshot copies the items out, oldest first.
func (h *History[T]) Snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, 0, len(h.items))
	out = append(out, h.items[h.head:]...)
	return append(out, h.items[:h.head]...)
}
