package pipeline

import (
	"sync"

	"github.com/iff-guardian/castellan/internal/models"
)

// boundedQueue is a fixed-capacity FIFO of RawEvents with drop-oldest
// semantics: when full, TryEnqueue discards the oldest queued element to
// admit the new one rather than blocking the producer or rejecting the
// newest arrival.
type boundedQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []models.RawEvent
	capacity int
	closed   bool

	dropped uint64
}

func newBoundedQueue(capacity int) *boundedQueue {
	q := &boundedQueue{
		items:    make([]models.RawEvent, 0, capacity),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// TryEnqueue never blocks. It returns false only when the queue has been
// closed for shutdown; on overflow it drops the oldest element and still
// returns true for the new arrival.
func (q *boundedQueue) TryEnqueue(e models.RawEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, e)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed and
// drained, in which case ok is false.
func (q *boundedQueue) Dequeue() (models.RawEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return models.RawEvent{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close stops accepting new items and wakes all waiting consumers so they
// can drain the remainder and exit.
func (q *boundedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *boundedQueue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
