// Package buffer provides the fixed-capacity FIFO used for the transmit and
// receive sides of a link. No operation blocks: a full queue rejects pushes
// and an empty one rejects pops, leaving retry cadence to the caller.
package buffer

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFull is returned by Push when the queue is at capacity.
	ErrFull = errors.New("buffer full")
	// ErrEmpty is returned by PopFront when there is nothing queued.
	ErrEmpty = errors.New("buffer empty")
)

// Queue is a bounded FIFO safe for concurrent use.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	ready    chan struct{}
}

// New creates a queue holding at most capacity items. A capacity below one is
// raised to one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push appends v at the tail.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return fmt.Errorf("%w (max %d)", ErrFull, q.capacity)
	}
	q.items = append(q.items, v)
	q.signal()
	return nil
}

// PopFront removes and returns the item at the head.
func (q *Queue[T]) PopFront() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, ErrEmpty
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	} else {
		q.items = q.items[:0:0]
	}
	return v, nil
}

// TakeAll drains the queue and returns its contents in FIFO order.
func (q *Queue[T]) TakeAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]T, 0, q.capacity)
	return out
}

// Peek returns up to n items from the head without removing them.
func (q *Queue[T]) Peek(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[:n])
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// IsFull reports whether Push would fail.
func (q *Queue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// IsEmpty reports whether PopFront would fail.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Ready returns a channel that receives a value when the queue may have items.
// The notification can be stale; consumers must still handle ErrEmpty.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// signal must be called with mu held.
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
