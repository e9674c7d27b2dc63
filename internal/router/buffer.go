package router

import (
	"sync"
)

// GrowableBuffer is a FIFO ring buffer that doubles its capacity when it
// reaches 70% full. Once at maxCapacity it evicts the oldest item instead
// of growing. A maxCapacity of zero means unbounded.
type GrowableBuffer[T any] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         []T
	head        int
	count       int
	maxCapacity int
	closed      bool

	enqueued int64
	dequeued int64
	dropped  int64
	resizes  int
}

// NewGrowableBuffer creates a buffer with the given initial and maximum capacity.
func NewGrowableBuffer[T any](initialCapacity, maxCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity > 0 && maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	b := &GrowableBuffer[T]{
		buf:         make([]T, initialCapacity),
		maxCapacity: maxCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends item. It returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	capacity := len(b.buf)
	threshold := max((capacity*70)/100, 1)
	if b.count+1 >= threshold && (b.maxCapacity == 0 || capacity < b.maxCapacity) {
		b.grow()
		capacity = len(b.buf)
	}

	if b.count == capacity {
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % capacity
		b.count--
		b.dropped++
	}

	b.buf[(b.head+b.count)%capacity] = item
	b.count++
	b.enqueued++
	b.cond.Signal()
	return true
}

// Receive blocks until an item is available. It returns false once the
// buffer is closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	return b.pop()
}

// TryReceive returns the next item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pop()
}

func (b *GrowableBuffer[T]) pop() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.dequeued++
	return item, true
}

// Close stops further sends. Receivers drain what is left.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Discard closes the buffer and throws away pending items, returning how
// many were discarded.
func (b *GrowableBuffer[T]) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head, b.count = 0, 0
	b.dropped += int64(n)
	b.closed = true
	b.cond.Broadcast()
	return n
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:    b.count,
		Capacity: len(b.buf),
		Enqueued: b.enqueued,
		Dequeued: b.dequeued,
		Dropped:  b.dropped,
		Resizes:  b.resizes,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count    int
	Capacity int
	Enqueued int64
	Dequeued int64
	Dropped  int64
	Resizes  int
}

// grow doubles capacity, capped at maxCapacity. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	next := len(b.buf) * 2
	if b.maxCapacity > 0 && next > b.maxCapacity {
		next = b.maxCapacity
	}
	if next <= len(b.buf) {
		return
	}

	nb := make([]T, next)
	for i := 0; i < b.count; i++ {
		nb[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.buf = nb
	b.head = 0
	b.resizes++
}
