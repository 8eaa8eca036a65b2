package agent

import "sync"

// ringBuffer is a thread-safe, bounded history that drops the oldest entries
// when the capacity is exceeded.
type ringBuffer[T any] struct {
	mu      sync.Mutex
	data    []T
	max     int
	written int64 // total entries ever written (including dropped)
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{
		data: make([]T, 0, min(capacity, 64)),
		max:  capacity,
	}
}

// Add appends v, dropping the oldest entry when full.
func (rb *ringBuffer[T]) Add(v T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, v)
	rb.written++
	if len(rb.data) > rb.max {
		// Shift instead of reslicing so the backing array does not grow unbounded.
		copy(rb.data, rb.data[len(rb.data)-rb.max:])
		rb.data = rb.data[:rb.max]
	}
}

// Snapshot returns a copy of the buffered entries, oldest first.
func (rb *ringBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]T, len(rb.data))
	copy(out, rb.data)
	return out
}

// Len returns the current number of entries.
func (rb *ringBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.data)
}

// TotalWritten returns the number of entries ever added, including dropped ones.
func (rb *ringBuffer[T]) TotalWritten() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// Filter returns the entries for which keep reports true.
func (rb *ringBuffer[T]) Filter(keep func(T) bool) []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	var out []T
	for _, v := range rb.data {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
