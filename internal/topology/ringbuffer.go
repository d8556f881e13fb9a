package topology

import "sync"

// RingBuffer is a time-ordered, append-only sequence of records evicted by a
// byte-budget policy rather than a count policy: the oldest record is
// dropped whenever the serialized size of the buffer exceeds its
// configured budget. A buffer always retains at least its single most
// recent record, even when its budget is zero.
type RingBuffer[T any] struct {
	mu          sync.Mutex
	budgetBytes int
	sizeOf      func(T) int
	items       []T
}

// NewRingBuffer creates a ring buffer with the given byte budget. sizeOf
// estimates the serialized size of one record; it is called on every
// Append and during eviction.
func NewRingBuffer[T any](budgetBytes int, sizeOf func(T) int) *RingBuffer[T] {
	if budgetBytes < 0 {
		budgetBytes = 0
	}
	return &RingBuffer[T]{budgetBytes: budgetBytes, sizeOf: sizeOf}
}

// Append adds a record to the buffer and evicts the oldest entries until
// the buffer's byte budget is respected, never evicting the last remaining
// record.
func (rb *RingBuffer[T]) Append(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.items = append(rb.items, item)
	rb.evictLocked()
}

func (rb *RingBuffer[T]) evictLocked() {
	for len(rb.items) > 1 && rb.totalBytesLocked() > rb.budgetBytes {
		rb.items = rb.items[1:]
	}
}

func (rb *RingBuffer[T]) totalBytesLocked() int {
	total := 0
	for _, item := range rb.items {
		total += rb.sizeOf(item)
	}
	return total
}

// Latest returns the most recently appended record and true, or the zero
// value and false if the buffer is empty.
func (rb *RingBuffer[T]) Latest() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.items) == 0 {
		var zero T
		return zero, false
	}
	return rb.items[len(rb.items)-1], true
}

// Previous returns the second-most-recent record and true, used by the
// Attribution Engine to pair adjacent samples.
func (rb *RingBuffer[T]) Previous() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.items) < 2 {
		var zero T
		return zero, false
	}
	return rb.items[len(rb.items)-2], true
}

// Len returns the number of records currently retained.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.items)
}

// Records returns a defensive copy of every record currently retained,
// oldest first.
func (rb *RingBuffer[T]) Records() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]T, len(rb.items))
	copy(out, rb.items)
	return out
}
