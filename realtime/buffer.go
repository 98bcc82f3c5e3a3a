// Package realtime holds the hand-off primitives between the periodic control goroutine
// and the rest of the process.
package realtime

import "sync/atomic"

// Buffer is a last-value-wins slot. A writer outside the control loop stores
// complete values; the control loop reads the latest one without blocking. Each
// write publishes a fresh immutable snapshot, so a reader never observes a
// partially written value.
type Buffer[T any] struct {
	v atomic.Pointer[T]
}

// NewBuffer returns a buffer holding initial.
func NewBuffer[T any](initial T) *Buffer[T] {
	b := &Buffer[T]{}
	b.Reset(initial)
	return b
}

// Write publishes v. It never blocks.
func (b *Buffer[T]) Write(v T) {
	b.v.Store(&v)
}

// Read returns the most recently written value, or the zero value if nothing was
// ever written.
func (b *Buffer[T]) Read() T {
	p := b.v.Load()
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// Reset replaces the content with v.
func (b *Buffer[T]) Reset(v T) {
	b.Write(v)
}
