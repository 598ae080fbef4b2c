package debounce

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
)

type receipt struct {
	conversation string
	messageID    string
}

func TestResolve(t *testing.T) {
	cfg := Config{
		DebounceMs: 100,
		ByWindow:   map[string]int{WindowNotifications: 1000},
	}
	override := 50

	tests := []struct {
		name     string
		window   string
		override *int
		want     time.Duration
	}{
		{name: "override wins", window: WindowNotifications, override: &override, want: 50 * time.Millisecond},
		{name: "by window", window: WindowNotifications, want: time.Second},
		{name: "base", window: WindowConnect, want: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(cfg, tt.window, tt.override); got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Resolve(Config{}, WindowConnect, nil); got != 0 {
		t.Errorf("expected 0 with empty config, got %v", got)
	}
	if got := Resolve(Config{DebounceMs: -1}, WindowConnect, nil); got != 0 {
		t.Errorf("expected 0 for negative base, got %v", got)
	}
}

func TestDebouncerBatchesByKey(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	flushed := map[string][]string{}
	d := New(
		WithDelay[receipt](300*time.Millisecond),
		WithClock[receipt](fake),
		WithKey(func(r *receipt) string { return r.conversation }),
		WithFlush(func(key string, items []*receipt) {
			for _, item := range items {
				flushed[key] = append(flushed[key], item.messageID)
			}
		}),
	)

	d.Enqueue(&receipt{conversation: "a", messageID: "1"})
	d.Enqueue(&receipt{conversation: "b", messageID: "9"})
	fake.Advance(200 * time.Millisecond)
	d.Enqueue(&receipt{conversation: "a", messageID: "2"})

	if d.Pending() != 2 || d.PendingItems() != 3 {
		t.Fatalf("expected 2 keys / 3 items pending, got %d / %d", d.Pending(), d.PendingItems())
	}

	fake.Advance(100 * time.Millisecond)
	if len(flushed["b"]) != 1 {
		t.Fatalf("expected b flushed after its window, got %v", flushed)
	}
	if len(flushed["a"]) != 0 {
		t.Fatalf("a should still be waiting after its window restarted, got %v", flushed["a"])
	}

	fake.Advance(200 * time.Millisecond)
	if got := flushed["a"]; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("expected a batch [1 2], got %v", got)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", d.Pending())
	}
}

func TestDebouncerZeroDelayFlushesImmediately(t *testing.T) {
	var batches [][]*receipt
	d := New(
		WithFlush(func(_ string, items []*receipt) { batches = append(batches, items) }),
	)
	d.Enqueue(&receipt{messageID: "1"})
	d.Enqueue(&receipt{messageID: "2"})
	if len(batches) != 2 {
		t.Fatalf("expected 2 immediate flushes, got %d", len(batches))
	}
}

func TestDebouncerFlushAndCancel(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	count := 0
	d := New(
		WithDelay[receipt](time.Second),
		WithClock[receipt](fake),
		WithFlush(func(_ string, items []*receipt) { count += len(items) }),
	)

	d.Enqueue(&receipt{messageID: "1"})
	d.Flush("default")
	if count != 1 {
		t.Fatalf("expected manual flush to deliver 1 item, got %d", count)
	}

	d.Enqueue(&receipt{messageID: "2"})
	d.Cancel("default")
	fake.Advance(2 * time.Second)
	if count != 1 {
		t.Fatalf("cancelled batch must not flush, count=%d", count)
	}
	if fake.Pending() != 0 {
		t.Fatalf("cancel should stop the timer, %d pending", fake.Pending())
	}
}

func TestDebouncerStop(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	count := 0
	d := New(
		WithDelay[receipt](time.Second),
		WithClock[receipt](fake),
		WithFlush(func(_ string, items []*receipt) { count += len(items) }),
	)
	d.Enqueue(&receipt{messageID: "1"})
	d.Stop()
	d.Enqueue(&receipt{messageID: "2"})
	fake.Advance(5 * time.Second)
	if count != 0 {
		t.Fatalf("stopped debouncer flushed %d items", count)
	}
}

func TestDebouncerRealClock(t *testing.T) {
	var mu sync.Mutex
	done := make(chan struct{})
	var got []*receipt
	d := New(
		WithDelay[receipt](20*time.Millisecond),
		WithFlush(func(_ string, items []*receipt) {
			mu.Lock()
			got = items
			mu.Unlock()
			close(done)
		}),
	)
	d.Enqueue(&receipt{messageID: "1"})
	d.Enqueue(&receipt{messageID: "2"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flush")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 batched items, got %d", len(got))
	}
}

func TestCoalescerKeepsLastValue(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var calls []string
	c := NewCoalescer(250*time.Millisecond, fake, func(v string) { calls = append(calls, v) })

	c.Submit("workspace-1")
	fake.Advance(100 * time.Millisecond)
	c.Submit("workspace-2")
	fake.Advance(100 * time.Millisecond)
	c.Submit("workspace-3")

	if !c.Pending() {
		t.Fatal("expected a pending value")
	}
	fake.Advance(250 * time.Millisecond)

	if len(calls) != 1 || calls[0] != "workspace-3" {
		t.Fatalf("expected single call with last value, got %v", calls)
	}
	if c.Pending() {
		t.Fatal("nothing should be pending after flush")
	}
}

func TestCoalescerFlushAndCancel(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var calls []int
	c := NewCoalescer(time.Second, fake, func(v int) { calls = append(calls, v) })

	c.Submit(1)
	c.Flush()
	c.Submit(2)
	c.Cancel()
	fake.Advance(2 * time.Second)
	c.Stop()
	c.Submit(3)
	fake.Advance(2 * time.Second)

	if len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("expected only the flushed value, got %v", calls)
	}
}

// firedClock hands out timers that have already fired: Stop always fails
// and the callbacks run only when the test calls them.
type firedClock struct {
	mu        sync.Mutex
	callbacks []func()
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func (c *firedClock) Now() time.Time { return time.Unix(0, 0) }

func (c *firedClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, f)
	return firedTimer{}
}

func (c *firedClock) fire(i int) {
	c.mu.Lock()
	f := c.callbacks[i]
	c.mu.Unlock()
	f()
}

func TestDebouncerIgnoresSupersededTimers(t *testing.T) {
	tests := []struct {
		name string
		// between runs after the first item is enqueued and before its
		// timer callback runs.
		between   func(d *Debouncer[receipt])
		wantFirst []string
		wantLast  []string
	}{
		{
			name: "window restarted",
			between: func(d *Debouncer[receipt]) {
				d.Enqueue(&receipt{conversation: "c", messageID: "2"})
			},
			wantLast: []string{"1", "2"},
		},
		{
			name: "buffer replaced",
			between: func(d *Debouncer[receipt]) {
				d.Flush("c")
				d.Enqueue(&receipt{conversation: "c", messageID: "2"})
			},
			wantFirst: []string{"1"},
			wantLast:  []string{"2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired := &firedClock{}
			var batches [][]string
			d := New(
				WithDelay[receipt](300*time.Millisecond),
				WithClock[receipt](fired),
				WithKey(func(r *receipt) string { return r.conversation }),
				WithFlush(func(_ string, items []*receipt) {
					var ids []string
					for _, item := range items {
						ids = append(ids, item.messageID)
					}
					batches = append(batches, ids)
				}),
			)

			d.Enqueue(&receipt{conversation: "c", messageID: "1"})
			tt.between(d)
			before := len(batches)
			fired.fire(0)
			if len(batches) != before {
				t.Fatalf("stale timer flushed %v", batches[before:])
			}
			if d.PendingItems() == 0 {
				t.Fatal("pending batch lost to a stale timer")
			}

			fired.fire(len(fired.callbacks) - 1)
			var want [][]string
			if tt.wantFirst != nil {
				want = append(want, tt.wantFirst)
			}
			want = append(want, tt.wantLast)
			if len(batches) != len(want) {
				t.Fatalf("batches = %v, want %v", batches, want)
			}
			for i := range want {
				if strings.Join(batches[i], ",") != strings.Join(want[i], ",") {
					t.Errorf("batch %d = %v, want %v", i, batches[i], want[i])
				}
			}
		})
	}
}
