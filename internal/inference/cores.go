package inference

import "sync"

// DefaultCoreCount is the number of NPU cores on an RK3588 class device
const DefaultCoreCount = 3

// CoreAllocator hands out accelerator core ids round robin. One allocator is
// shared by every pool of an application so that instances of different
// models spread over the cores together.
type CoreAllocator struct {
	mu    sync.Mutex
	count int
	next  int
}

// NewCoreAllocator creates an allocator over count cores
func NewCoreAllocator(count int) *CoreAllocator {
	if count <= 0 {
		count = DefaultCoreCount
	}
	return &CoreAllocator{count: count}
}

// Next returns the next core id
func (c *CoreAllocator) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	core := c.next % c.count
	c.next++
	return core
}

// Count returns the number of cores handed out in rotation
func (c *CoreAllocator) Count() int {
	return c.count
}
