package queue

// Queue is a bounded FIFO owned by a single goroutine or routine.
type Queue[T any] struct {
	buf   []T
	start int
	n     int
}

// New creates a queue holding up to capacity elements.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Len returns the number of elements.
func (q *Queue[T]) Len() int { return q.n }

// IsEmpty reports whether the queue has no elements.
func (q *Queue[T]) IsEmpty() bool { return q.n == 0 }

// IsFull reports whether Push would fail.
func (q *Queue[T]) IsFull() bool { return q.n == len(q.buf) }

// Push appends v. It returns false when the queue is full.
func (q *Queue[T]) Push(v T) bool {
	if q.IsFull() {
		return false
	}
	q.buf[(q.start+q.n)%len(q.buf)] = v
	q.n++
	return true
}

// Pop removes the oldest element.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.start]
	q.buf[q.start] = zero
	q.start = (q.start + 1) % len(q.buf)
	q.n--
	return v, true
}

// Peek returns the oldest element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.buf[q.start], true
}

// At returns the i-th oldest element. It panics when out of range.
func (q *Queue[T]) At(i int) T {
	if i < 0 || i >= q.n {
		panic("queue: index out of range")
	}
	return q.buf[(q.start+i)%len(q.buf)]
}

// ForEach calls fn from oldest to newest until it returns false.
func (q *Queue[T]) ForEach(fn func(T) bool) {
	for i := 0; i < q.n; i++ {
		if !fn(q.At(i)) {
			return
		}
	}
}

// RemoveUntil drops elements from the front up to and including the
// first one matching, and returns them. Nothing is removed when none
// matches.
func (q *Queue[T]) RemoveUntil(match func(T) bool) []T {
	for i := 0; i < q.n; i++ {
		if match(q.At(i)) {
			removed := make([]T, 0, i+1)
			for j := 0; j <= i; j++ {
				v, _ := q.Pop()
				removed = append(removed, v)
			}
			return removed
		}
	}
	return nil
}

// Clear drops every element.
func (q *Queue[T]) Clear() {
	var zero T
	for i := range q.buf {
		q.buf[i] = zero
	}
	q.start, q.n = 0, 0
}
