package debounce

import (
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
)

// Coalescer collapses a burst of submissions into a single call carrying
// the most recent value. Identity changes use it so that rapid switching
// connects once, for the final identity.
type Coalescer[T any] struct {
	d *Debouncer[T]
}

// NewCoalescer creates a Coalescer that calls fn with the last submitted
// value once window has passed without new submissions.
func NewCoalescer[T any](window time.Duration, c clock.Clock, fn func(v T)) *Coalescer[T] {
	return &Coalescer[T]{
		d: New(
			WithDelay[T](window),
			WithClock[T](c),
			WithFlush(func(_ string, items []*T) {
				fn(*items[len(items)-1])
			}),
		),
	}
}

// Submit records v as the latest value and restarts the window.
func (c *Coalescer[T]) Submit(v T) {
	c.d.Enqueue(&v)
}

// Flush delivers the pending value immediately, if any.
func (c *Coalescer[T]) Flush() {
	c.d.Flush("default")
}

// Cancel drops the pending value.
func (c *Coalescer[T]) Cancel() {
	c.d.Cancel("default")
}

// Pending reports whether a value is waiting.
func (c *Coalescer[T]) Pending() bool {
	return c.d.Pending() > 0
}

// Stop cancels the window and ignores later submissions.
func (c *Coalescer[T]) Stop() {
	c.d.Stop()
}
