package router

import (
	"context"
	"sync"
)

// Queue is a thread-safe FIFO ring that doubles its capacity when it
// reaches 70% full. When a length limit is set, the oldest items are
// discarded to make room.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	limit  int
	closed bool

	// Signalled (non-blocking) whenever an item is pushed or the queue closes.
	ready chan struct{}

	pushed  int64
	popped  int64
	dropped int64
	resizes int
}

// NewQueue creates a queue with the given initial capacity. A limit of 0
// leaves the queue unbounded.
func NewQueue[T any](initialCapacity, limit int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Queue[T]{
		buf:   make([]T, initialCapacity),
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends an item. Returns false if the queue is closed. If the queue is
// at its limit, the oldest item is dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.limit > 0 && q.count >= q.limit {
		q.popLocked()
		q.popped--
		q.dropped++
	}

	threshold := (len(q.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.pushed++

	q.signal()
	return true
}

// Pop removes up to max items, blocking until at least one is available.
// Returns false once the queue is closed and empty, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context, max int) ([]T, bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			items := q.drainLocked(max)
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// TryPop removes up to max items without blocking.
func (q *Queue[T]) TryPop(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(max)
}

// Close stops accepting items. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len      int
	Capacity int
	Pushed   int64
	Popped   int64
	Dropped  int64
	Resizes  int
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Capacity: len(q.buf),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Dropped:  q.dropped,
		Resizes:  q.resizes,
	}
}

// Must be called with lock held.
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drainLocked removes up to max items (all if max <= 0).
// Must be called with lock held.
func (q *Queue[T]) drainLocked(max int) []T {
	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && max < n {
		n = max
	}

	items := make([]T, n)
	for i := range items {
		items[i] = q.popLocked()
	}
	return items
}

// Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.popped++
	return item
}

// grow doubles the ring, unwrapping items to the front.
// Must be called with lock held.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.buf)*2)
	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.buf[q.head:q.tail])
		} else {
			n := copy(next, q.buf[q.head:])
			copy(next[n:], q.buf[:q.tail])
		}
	}

	q.buf = next
	q.head = 0
	q.tail = q.count
	q.resizes++
}
