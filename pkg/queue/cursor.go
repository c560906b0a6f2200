package queue

import "sync"

// cursor hands out subject indices, each exactly once per epoch, to any
// number of concurrent callers.
type cursor struct {
	mu    sync.Mutex
	order []int
	pos   int
}

func newCursor(order []int) *cursor {
	return &cursor{order: order}
}

// next returns the next unvisited subject index, or false when the epoch's
// subjects are all handed out.
func (c *cursor) next() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pos >= len(c.order) {
		return 0, false
	}
	i := c.order[c.pos]
	c.pos++
	return i, true
}

// reset starts a new pass over order.
func (c *cursor) reset(order []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = order
	c.pos = 0
}
