// Package queue holds the bounded FIFOs shared between user code and
// interrupt routines.
package queue

import "sync/atomic"

// Ring is a bounded lock-free FIFO for exactly one producer and one
// consumer. The producer owns Push, IsFull and Discard; the consumer owns
// Pop, Peek, Len and Clear. Neither side ever blocks.
type Ring[T any] struct {
	buf  []T
	head atomic.Uint64 // next slot to read, written by the consumer
	tail atomic.Uint64 // next slot to write, written by the producer

	// discard holds 1 + the tail at the last Discard, 0 when none is
	// pending. The consumer applies it on its next access.
	discard atomic.Uint64
}

// NewRing creates a ring holding up to capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Push appends v. It returns false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	t := r.tail.Load()
	if t-r.head.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[t%uint64(len(r.buf))] = v
	r.tail.Store(t + 1)
	return true
}

// IsFull reports, from the producer side, whether Push would fail.
// Slots freed by a Discard count only once the consumer applied it.
func (r *Ring[T]) IsFull() bool {
	return r.tail.Load()-r.head.Load() >= uint64(len(r.buf))
}

// Discard drops everything pushed so far. It is safe to call from the
// producer while the consumer runs.
func (r *Ring[T]) Discard() {
	r.discard.Store(r.tail.Load() + 1)
}

// Pop removes the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	h := r.consumerHead()
	if h == r.tail.Load() {
		return zero, false
	}
	i := h % uint64(len(r.buf))
	v := r.buf[i]
	r.buf[i] = zero
	r.head.Store(h + 1)
	return v, true
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	h := r.consumerHead()
	if h == r.tail.Load() {
		return zero, false
	}
	return r.buf[h%uint64(len(r.buf))], true
}

// Len returns the number of elements, from the consumer side.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.consumerHead())
}

// IsEmpty reports whether Len is 0.
func (r *Ring[T]) IsEmpty() bool {
	return r.Len() == 0
}

// Clear drops everything, from the consumer side, and returns how many
// elements were dropped.
func (r *Ring[T]) Clear() int {
	h := r.consumerHead()
	t := r.tail.Load()
	r.head.Store(t)
	return int(t - h)
}

// consumerHead applies a pending discard and returns the head.
func (r *Ring[T]) consumerHead() uint64 {
	h := r.head.Load()
	if d := r.discard.Swap(0); d != 0 && d-1 > h {
		h = d - 1
		r.head.Store(h)
	}
	return h
}
