// Package pubsub provides typed subscriber lists for component state
// changes.
package pubsub

import (
	"sort"
	"sync"
)

// Topic fans values out to subscribers. The zero value is ready to use.
// Subscribers run on the publishing goroutine, in subscription order, and
// never under the topic lock, so they may subscribe or unsubscribe freely.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
}

// Subscribe registers fn and returns a function removing it. The returned
// function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Channel subscribes a buffered channel. Values published while the buffer
// is full are dropped for that subscriber. The cancel function closes the
// channel.
func (t *Topic[T]) Channel(size int) (<-chan T, func()) {
	if size <= 0 {
		size = 16
	}
	ch := make(chan T, size)
	var mu sync.Mutex
	closed := false
	unsubscribe := t.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
		}
	})
	cancel := func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	if t == nil {
		return
	}
	for _, fn := range t.snapshot() {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) snapshot() []func(T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = t.subs[id]
	}
	return fns
}
