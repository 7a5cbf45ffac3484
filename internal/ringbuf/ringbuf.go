// Package ringbuf provides a fixed-capacity ring buffer that evicts its oldest
// element when full. It backs the bounded recent-candle history of the
// snapshot publisher.
package ringbuf

// Ring holds at most Cap values. Push never fails: when the ring is full the
// oldest value is overwritten. Ring is not safe for concurrent use; callers
// guard it with their own lock.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	size  int
	evict uint64
}

// New creates a ring holding up to capacity values. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value if the ring is full.
// It reports whether an eviction happened.
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return false
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.evict++
	return true
}

// Last returns the newest value.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of values held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Evicted returns how many values have been overwritten so far.
func (r *Ring[T]) Evicted() uint64 { return r.evict }
