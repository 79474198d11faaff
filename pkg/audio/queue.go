package audio

import "sync"

// Queue is a bounded FIFO that never blocks its producer: when full, Push
// evicts the oldest element to admit the new one. Real-time audio favours
// freshness over completeness, so every handoff between a fast producer and a
// rate-limited consumer goes through a Queue.
//
// All methods are safe for concurrent use. Critical sections are O(1), so a
// Queue may be used from a hardware audio callback.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	n       int
	dropped uint64
	ready   chan struct{}
}

// NewQueue returns a Queue holding at most capacity elements (minimum 1).
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. If the queue was full, the oldest element is discarded and
// Push reports true.
func (q *Queue[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	if q.n == len(q.buf) {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest element. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return v, false
	}
	v = q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return v, true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue bound.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Dropped returns how many elements have been evicted since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all queued elements and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.n
	clear(q.buf)
	q.head = 0
	q.n = 0
	return removed
}

// Ready returns a channel that receives a value after a Push. It is a hint
// for consumers that sleep between Pops; a single signal may cover several
// pushes, so consumers must Pop until the queue is empty.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }
