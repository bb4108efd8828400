package pipeline

import "sync"

// DefaultQueueCapacity bounds the completed results waiting for a consumer
const DefaultQueueCapacity = 30

// ResultQueue is a bounded FIFO of completed results. Producers never
// block: when the queue is full the oldest result is dropped, so a slow
// consumer sees recent frames. Take blocks until a result arrives or the
// queue is closed.
type ResultQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Result
	capacity int
	closed   bool
	drops    uint64
}

// NewResultQueue creates a queue holding at most capacity results
func NewResultQueue(capacity int) *ResultQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &ResultQueue{
		items:    make([]Result, 0, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a result, dropping the oldest one when full. It reports
// false when the queue is closed.
func (q *ResultQueue) Push(r Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.items) == q.capacity {
		q.pop()
		q.drops++
	}
	q.items = append(q.items, r)

	q.cond.Signal()
	return true
}

// Take blocks until a result is available. Results still queued at close
// are handed out before ErrPoolClosed is returned.
func (q *ResultQueue) Take() (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return Result{}, ErrPoolClosed
	}
	return q.pop(), nil
}

// TryTake returns the oldest result without waiting
func (q *ResultQueue) TryTake() (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Result{}, false
	}
	return q.pop(), true
}

// Peek returns the oldest result without removing it
func (q *ResultQueue) Peek() (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Result{}, false
	}
	return q.items[0].clone(), true
}

// pop removes the head, shifting in place so the backing array is kept
func (q *ResultQueue) pop() Result {
	r := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items[n] = Result{}
	q.items = q.items[:n]
	return r
}

// Clear drops every queued result and returns how many were removed
func (q *ResultQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

// Close wakes every blocked Take. Pushes after Close are rejected.
func (q *ResultQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of queued results
func (q *ResultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drops returns how many results were discarded because the queue was full
func (q *ResultQueue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
