package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/huddle/internal/retry"
	"github.com/haasonsaas/huddle/internal/transport"
)

func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestReconnectorRetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	r := &transport.Reconnector{
		Config: transport.ReconnectConfig{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2},
		Sleep:  recordSleeps(&delays),
	}

	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestReconnectorStopsAtMaxAttempts(t *testing.T) {
	var delays []time.Duration
	r := &transport.Reconnector{
		Config: transport.ReconnectConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2},
		Sleep:  recordSleeps(&delays),
	}
	refused := errors.New("refused")
	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return refused
	})
	if !errors.Is(err, refused) {
		t.Errorf("Run() error = %v, want %v", err, refused)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestReconnectorStopsOnPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "auth", err: retry.Permanent(&transport.Error{Code: transport.ErrCodeAuthentication, Message: "rejected"})},
		{name: "superseded", err: transport.ErrSuperseded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			r := &transport.Reconnector{Sleep: recordSleeps(&delays)}
			calls := 0
			err := r.Run(context.Background(), func(context.Context) error {
				calls++
				return tt.err
			})
			if !errors.Is(err, tt.err) {
				t.Errorf("Run() error = %v, want %v", err, tt.err)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestReconnectorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &transport.Reconnector{Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() }}
	called := false
	err := r.Run(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("connect should not run after cancellation")
	}
}

func TestReconnectorNilConnect(t *testing.T) {
	if err := (&transport.Reconnector{}).Run(context.Background(), nil); err == nil {
		t.Error("expected error for nil connect")
	}
}
