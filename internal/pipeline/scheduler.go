package pipeline

import "sync"

// RoundRobin hands out instance indices 0..size-1 cyclically. The counter
// has its own lock so no index is skipped or handed out twice.
type RoundRobin struct {
	mu   sync.Mutex
	size int
	next int
}

// NewRoundRobin creates a scheduler over size instances
func NewRoundRobin(size int) *RoundRobin {
	if size <= 0 {
		size = 1
	}
	return &RoundRobin{size: size}
}

// Next returns the instance index for the next task
func (r *RoundRobin) Next() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	if r.next == r.size {
		r.next = 0
	}
	return id
}

// Size returns the number of instances in rotation
func (r *RoundRobin) Size() int {
	return r.size
}
