// Package fifo provides an unbounded, goroutine-safe FIFO queue with a
// coalescing wake-up signal.
//
// Producers on any goroutine call Push; a single consumer loops on TryPop and
// waits on Wait between bursts. Close wakes the consumer for good.
package fifo

import "sync"

// Queue is a thread-safe FIFO queue.
//
// The queue is unbounded so producers never block: the bridge callback must
// never stall behind a slow consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	// Non-blocking: a buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryPop removes and returns the front item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]

	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return item, true
}

// Wait returns a channel that signals when items may be available.
// The channel is closed once the queue is closed.
//
//	for {
//	    if item, ok := q.TryPop(); ok {
//	        handle(item)
//	        continue
//	    }
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-q.Wait():
//	    }
//	}
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting items and wakes any waiter. Items already queued
// remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
