package queue

import (
	"context"
	"math/rand/v2"
	"sync"

	"volpatch/internal/models"
)

// buffer is a bounded multiset of patches.
//
// Producers block in push while the buffer is full; the consumer blocks in
// pop while it is empty and producers are still running. pop removes a
// uniformly random element, so consumption order does not follow arrival
// order.
//
// All fields are protected by mu.
type buffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items    []*models.Patch
	capacity int
	rng      *rand.Rand
	peak     int

	finished bool  // no more pushes this epoch
	err      error // first producer failure
	closed   bool
}

func newBuffer(capacity int, rng *rand.Rand) *buffer {
	b := &buffer{
		items:    make([]*models.Patch, 0, capacity),
		capacity: capacity,
		rng:      rng,
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// wakeOnDone broadcasts both conditions when ctx is done so waiters can
// observe the cancellation. The returned func must be called to release it.
func (b *buffer) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	})
}

// push adds p, blocking while the buffer is full.
func (b *buffer) push(ctx context.Context, p *models.Patch) error {
	stop := b.wakeOnDone(ctx)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) >= b.capacity && !b.closed && ctx.Err() == nil {
		b.notFull.Wait()
	}
	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.add(p)
	return nil
}

// tryPush adds p if there is room, without blocking.
func (b *buffer) tryPush(p *models.Patch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.items) >= b.capacity {
		return false
	}
	b.add(p)
	return true
}

func (b *buffer) add(p *models.Patch) {
	b.items = append(b.items, p)
	if len(b.items) > b.peak {
		b.peak = len(b.items)
	}
	b.notEmpty.Signal()
}

// pop removes a random patch, blocking while the buffer is empty and not
// finished. A recorded producer failure is returned as soon as it is seen.
func (b *buffer) pop(ctx context.Context) (*models.Patch, error) {
	stop := b.wakeOnDone(ctx)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) == 0 && !b.finished && b.err == nil && !b.closed && ctx.Err() == nil {
		b.notEmpty.Wait()
	}

	switch {
	case b.closed:
		return nil, ErrClosed
	case b.err != nil:
		return nil, b.err
	case len(b.items) > 0:
		// swap-remove a uniformly drawn element
		i := b.rng.IntN(len(b.items))
		last := len(b.items) - 1
		p := b.items[i]
		b.items[i] = b.items[last]
		b.items[last] = nil
		b.items = b.items[:last]
		b.notFull.Signal()
		return p, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, ErrEpochExhausted
	}
}

// finish marks the end of production for the epoch, recording err if it is
// the first failure.
func (b *buffer) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.finished = true
	if err != nil && b.err == nil {
		b.err = err
	}
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// reset empties the buffer for a new epoch.
func (b *buffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.items = b.items[:0]
	b.finished = false
	b.err = nil
	b.peak = 0
}

// close wakes every waiter; later pushes and pops fail with ErrClosed.
func (b *buffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	clear(b.items)
	b.items = b.items[:0]
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *buffer) peakLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
