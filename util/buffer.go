package util

import (
	"time"
)

// Buffer accumulates items until it is full or its flush interval elapses.
// It is not safe for concurrent use; the reading goroutine owns it.
type Buffer[T any] struct {
	limit    int
	interval time.Duration
	now      func() time.Time

	items    []T
	deadline time.Time
}

// NewBuffer returns a buffer flushed every limit items or every interval.
func NewBuffer[T any](limit int, interval time.Duration) *Buffer[T] {
	return newBufferWithClock[T](limit, interval, time.Now)
}

func newBufferWithClock[T any](limit int, interval time.Duration, now func() time.Time) *Buffer[T] {
	limit = max(limit, 1)

	return &Buffer[T]{
		limit:    limit,
		interval: interval,
		now:      now,
		items:    make([]T, 0, limit),
		deadline: now().Add(interval),
	}
}

// Add appends the item and reports whether the buffer reached its limit.
func (b *Buffer[T]) Add(item T) bool {
	b.items = append(b.items, item)

	return len(b.items) >= b.limit
}

// Due reports whether the flush interval has elapsed since the last flush.
func (b *Buffer[T]) Due() bool {
	return !b.now().Before(b.deadline)
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Take returns the buffered items and restarts the flush interval.
// The returned slice is owned by the caller.
func (b *Buffer[T]) Take() []T {
	items := b.items
	b.items = make([]T, 0, b.limit)
	b.deadline = b.now().Add(b.interval)

	return items
}
