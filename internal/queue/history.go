// Package queue provides the bounded, time-indexed history buffer shared by
// every rolling record store in the system: anomalies, detections, health
// snapshots, events and alerts all retain through the same structure, so one
// retention policy applies uniformly.
package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// History is a thread-safe bounded buffer of timestamped items. When capacity
// is reached the oldest item is evicted. Reads return copies of the backing
// slice so retention sweeps never invalidate an item a reader is inspecting.
type History[T any] struct {
	items []entry[T]
	size  int
	mu    sync.RWMutex

	// Metrics (accessed atomically)
	totalAdded   uint64
	totalEvicted uint64
}

type entry[T any] struct {
	at   time.Time
	item T
}

// NewHistory creates a History with the given capacity.
func NewHistory[T any](size int) *History[T] {
	if size <= 0 {
		size = 10000
	}
	return &History[T]{
		items: make([]entry[T], 0, size),
		size:  size,
	}
}

// Add appends an item with its timestamp, evicting the oldest entry if the
// buffer is full.
func (h *History[T]) Add(at time.Time, item T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.items) == h.size {
		copy(h.items, h.items[1:])
		h.items = h.items[:h.size-1]
		atomic.AddUint64(&h.totalEvicted, 1)
	}
	h.items = append(h.items, entry[T]{at: at, item: item})
	atomic.AddUint64(&h.totalAdded, 1)
}

// Len returns the current number of items.
func (h *History[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Cap returns the capacity.
func (h *History[T]) Cap() int {
	return h.size
}

// Recent returns up to limit items with timestamps at or after cutoff, oldest
// first. limit <= 0 means no limit. The returned slice is a copy.
func (h *History[T]) Recent(cutoff time.Time, limit int) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Entries are appended in arrival order, so scan back to the cutoff.
	start := len(h.items)
	for start > 0 && !h.items[start-1].at.Before(cutoff) {
		start--
	}

	out := make([]T, 0, len(h.items)-start)
	for i := start; i < len(h.items); i++ {
		out = append(out, h.items[i].item)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Snapshot returns a copy of all retained items, oldest first.
func (h *History[T]) Snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]T, len(h.items))
	for i := range h.items {
		out[i] = h.items[i].item
	}
	return out
}

// CountSince returns the number of items with timestamps at or after cutoff.
func (h *History[T]) CountSince(cutoff time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].at.Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// PruneBefore drops all items older than cutoff and returns how many were
// removed.
func (h *History[T]) PruneBefore(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := 0
	for idx < len(h.items) && h.items[idx].at.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return 0
	}
	remaining := len(h.items) - idx
	copy(h.items, h.items[idx:])
	h.items = h.items[:remaining]
	atomic.AddUint64(&h.totalEvicted, uint64(idx))
	return idx
}

// Metrics returns buffer statistics.
func (h *History[T]) Metrics() HistoryMetrics {
	return HistoryMetrics{
		Added:    atomic.LoadUint64(&h.totalAdded),
		Evicted:  atomic.LoadUint64(&h.totalEvicted),
		Depth:    h.Len(),
		Capacity: h.size,
	}
}

// HistoryMetrics holds statistics about a history buffer.
type HistoryMetrics struct {
	Added    uint64 `json:"added"`
	Evicted  uint64 `json:"evicted"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
