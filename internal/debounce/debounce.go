// Package debounce batches and coalesces bursts of realtime intents (connect
// requests, read receipts, notification acknowledgements) behind a window.
package debounce

import (
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
)

// Windows names the tunable debounce windows.
const (
	WindowConnect       = "connect"
	WindowReadReceipts  = "read_receipts"
	WindowNotifications = "notifications"
)

// Config holds debounce windows in milliseconds.
type Config struct {
	// DebounceMs is the base window applied when no per-window value is set.
	DebounceMs int `yaml:"debounce_ms"`

	// ByWindow maps window names (connect, read_receipts, notifications)
	// to specific windows.
	ByWindow map[string]int `yaml:"by_window"`
}

// Resolve returns the effective window for name using the priority
// override > by-window > base. Negative values are skipped.
func Resolve(config Config, name string, override *int) time.Duration {
	if override != nil && *override >= 0 {
		return time.Duration(*override) * time.Millisecond
	}
	if config.ByWindow != nil {
		if ms, ok := config.ByWindow[name]; ok && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if config.DebounceMs >= 0 {
		return time.Duration(config.DebounceMs) * time.Millisecond
	}
	return 0
}

type buffer[T any] struct {
	items []*T
	timer clock.Timer
	// gen identifies the most recent timer armed for the buffer.
	gen uint64
}

// Debouncer batches items by key and flushes each batch once its window
// has been quiet for the configured delay.
type Debouncer[T any] struct {
	mu      sync.Mutex
	buffers map[string]*buffer[T]
	stopped bool

	delay    time.Duration
	clock    clock.Clock
	buildKey func(item *T) string
	onFlush  func(key string, items []*T)
}

// Option configures a Debouncer.
type Option[T any] func(*Debouncer[T])

// WithDelay sets the quiet window. Zero disables batching.
func WithDelay[T any](d time.Duration) Option[T] {
	return func(db *Debouncer[T]) {
		if d < 0 {
			d = 0
		}
		db.delay = d
	}
}

// WithClock sets the clock driving the timers.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(db *Debouncer[T]) {
		db.clock = clock.OrReal(c)
	}
}

// WithKey sets the function grouping items into batches.
func WithKey[T any](fn func(item *T) string) Option[T] {
	return func(db *Debouncer[T]) {
		db.buildKey = fn
	}
}

// WithFlush sets the callback receiving each flushed batch.
func WithFlush[T any](fn func(key string, items []*T)) Option[T] {
	return func(db *Debouncer[T]) {
		db.onFlush = fn
	}
}

// New creates a Debouncer.
func New[T any](opts ...Option[T]) *Debouncer[T] {
	d := &Debouncer[T]{
		buffers: make(map[string]*buffer[T]),
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.buildKey == nil {
		d.buildKey = func(*T) string { return "default" }
	}
	if d.onFlush == nil {
		d.onFlush = func(string, []*T) {}
	}
	return d
}

// Enqueue adds an item to its batch and restarts the batch window. With a
// zero delay the item is flushed immediately together with anything still
// pending under the same key.
func (d *Debouncer[T]) Enqueue(item *T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	key := d.buildKey(item)

	buf, exists := d.buffers[key]
	if d.delay <= 0 {
		items := []*T{item}
		if exists {
			items = append(d.takeLocked(key, buf), item)
		}
		d.mu.Unlock()
		d.onFlush(key, items)
		return
	}

	if !exists {
		buf = &buffer[T]{}
		d.buffers[key] = buf
	}
	buf.items = append(buf.items, item)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.gen++
	gen := buf.gen
	buf.timer = d.clock.AfterFunc(d.delay, func() { d.expire(key, buf, gen) })
	d.mu.Unlock()
}

// expire flushes buf when its timer fires. A timer that already fired
// while a later Enqueue restarted the window, or replaced the buffer, is
// ignored.
func (d *Debouncer[T]) expire(key string, buf *buffer[T], gen uint64) {
	d.mu.Lock()
	if d.stopped || d.buffers[key] != buf || buf.gen != gen {
		d.mu.Unlock()
		return
	}
	items := d.takeLocked(key, buf)
	d.mu.Unlock()

	if len(items) > 0 {
		d.onFlush(key, items)
	}
}

// Flush delivers the pending batch for key right away.
func (d *Debouncer[T]) Flush(key string) {
	d.mu.Lock()
	buf, exists := d.buffers[key]
	if !exists || d.stopped {
		d.mu.Unlock()
		return
	}
	items := d.takeLocked(key, buf)
	d.mu.Unlock()

	if len(items) > 0 {
		d.onFlush(key, items)
	}
}

// Cancel drops the pending batch for key without flushing it.
func (d *Debouncer[T]) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, exists := d.buffers[key]; exists {
		d.takeLocked(key, buf)
	}
}

func (d *Debouncer[T]) takeLocked(key string, buf *buffer[T]) []*T {
	delete(d.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	items := buf.items
	buf.items = nil
	return items
}

// Stop cancels all timers and rejects further items.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, buf := range d.buffers {
		d.takeLocked(key, buf)
	}
}

// Pending returns the number of keys with a batch waiting.
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// PendingItems returns the number of items waiting across all keys.
func (d *Debouncer[T]) PendingItems() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, buf := range d.buffers {
		count += len(buf.items)
	}
	return count
}
