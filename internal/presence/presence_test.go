package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/summary"
	"github.com/haasonsaas/huddle/internal/transport"
	"github.com/haasonsaas/huddle/internal/transport/transporttest"
)

func workspaceKey(workspace int64) transport.Key {
	return transport.Key{Kind: transport.KindPresence, UserID: "1", WorkspaceID: protocol.IDFromInt(workspace)}
}

type fixture struct {
	dialer  *transporttest.Dialer
	manager *transport.Manager
	summary *summary.Aggregator
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dialer := transporttest.NewDialer()
	manager := transport.NewManager(dialer, transport.Options{ValidateFrames: true})
	agg := summary.New(nil)
	t.Cleanup(manager.CloseAll)
	return &fixture{
		dialer:  dialer,
		manager: manager,
		summary: agg,
		tracker: New(Options{Connector: manager, Summary: agg}),
	}
}

func (f *fixture) connect(t *testing.T, workspace int64) *transporttest.Conn {
	t.Helper()
	if err := f.tracker.Connect(context.Background(), workspaceKey(workspace)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return f.dialer.Last(transport.KindPresence)
}

func deliver(t *testing.T, conn *transporttest.Conn, frames ...any) {
	t.Helper()
	for _, frame := range frames {
		if err := conn.Deliver(frame); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConnectRequestsSummary(t *testing.T) {
	f := newFixture(t)
	var states []State
	f.tracker.SubscribeState(func(c StateChange) { states = append(states, c.State) })

	conn := f.connect(t, 10)

	if f.tracker.State() != StateConnected {
		t.Errorf("state = %v, want connected", f.tracker.State())
	}
	if got := conn.Types(); len(got) != 1 || got[0] != protocol.TypeGetUnreadSummary {
		t.Errorf("writes = %v, want [get_unread_summary]", got)
	}
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v, want [connecting connected]", states)
	}

	// Connecting again for the same workspace is a no-op.
	f.connect(t, 10)
	if got := f.dialer.DialCount(workspaceKey(10)); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestStatusLastWriteWins(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, 10)

	deliver(t, conn,
		protocol.NewPresence(protocol.TypePresence, "2", true),
		protocol.NewPresence(protocol.TypePresence, "3", true),
		protocol.NewPresence(protocol.TypePresence, "2", false),
		protocol.NewPresence(protocol.TypePresence, "3", true),
	)

	tests := []struct {
		user protocol.ID
		want bool
	}{
		{"2", false},
		{"3", true},
	}
	for _, tt := range tests {
		online, known := f.tracker.IsOnline(tt.user)
		if !known || online != tt.want {
			t.Errorf("IsOnline(%s) = %v, %v; want %v, true", tt.user, online, known, tt.want)
		}
	}
	if _, known := f.tracker.IsOnline("4"); known {
		t.Error("unreported user should be unknown")
	}
}

func TestSubscribeOnlyOnChange(t *testing.T) {
	tracker := New(Options{Connector: transport.NewManager(transporttest.NewDialer(), transport.Options{})})
	var changes []StatusChange
	tracker.Subscribe(func(c StatusChange) { changes = append(changes, c) })

	tracker.OnStatusUpdate("2", false)
	tracker.OnStatusUpdate("2", false)
	tracker.OnStatusUpdate("2", true)
	tracker.OnStatusUpdate("2", true)

	want := []StatusChange{{UserID: "2", Online: false}, {UserID: "2", Online: true}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
	if snap := tracker.Snapshot(); len(snap) != 1 || !snap["2"] {
		t.Errorf("Snapshot() = %v", snap)
	}
}

func TestCheckUserOnlineNotConnected(t *testing.T) {
	f := newFixture(t)
	called := false
	if f.tracker.CheckUserOnline("2", func(bool) { called = true }) {
		t.Error("CheckUserOnline() should report false when not connected")
	}
	if f.tracker.PendingChecks() != 0 {
		t.Error("callback must not be stored when not connected")
	}

	conn := f.connect(t, 10)
	deliver(t, conn, protocol.NewPresence(protocol.TypePresenceCheck, "2", false))
	if called {
		t.Error("callback registered while disconnected must never fire")
	}
	if conn.Count(protocol.TypeCheckUser) != 0 {
		t.Error("no check_user should have been sent")
	}
}

func TestCheckUserOnlineLastRegistrationWins(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, 10)

	var mu sync.Mutex
	calls := map[string][]bool{}
	record := func(name string) func(bool) {
		return func(online bool) {
			mu.Lock()
			defer mu.Unlock()
			calls[name] = append(calls[name], online)
		}
	}

	if !f.tracker.CheckUserOnline("2", record("first")) {
		t.Fatal("CheckUserOnline() should send when connected")
	}
	f.tracker.CheckUserOnline("2", record("second"))
	deliver(t, conn,
		protocol.NewPresence(protocol.TypePresenceCheck, "2", true),
		protocol.NewPresence(protocol.TypePresence, "2", false),
	)

	mu.Lock()
	defer mu.Unlock()
	if len(calls["first"]) != 0 {
		t.Errorf("overwritten callback fired: %v", calls["first"])
	}
	if got := calls["second"]; len(got) != 1 || !got[0] {
		t.Errorf("second callback calls = %v, want [true]", got)
	}
	if conn.Count(protocol.TypeCheckUser) != 2 {
		t.Errorf("check_user sent %d times, want 2", conn.Count(protocol.TypeCheckUser))
	}
	if frames := conn.WritesOfType(protocol.TypeCheckUser); frames[0]["user_id"] != float64(2) {
		t.Errorf("check_user frame = %v", frames[0])
	}
}

func TestSummaryFramesRouted(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, 10)

	deliver(t, conn,
		`{"type":"unread_summary","data":[{"user_id":2,"unread_count":3,"last_message":"hi","last_message_time":"2024-05-01T12:00:00Z"},{"user_id":3,"unread_count":1,"last_message":null,"last_message_time":null}]}`,
		`{"type":"chat_message_update","data":[{"user_id":3,"unread_count":2,"last_message":"yo","last_message_time":"2024-05-01T12:05:00Z"}]}`,
		`{"type":"something_new","data":1}`,
	)

	if got := f.summary.TotalUnread(); got != 5 {
		t.Errorf("TotalUnread() = %d, want 5", got)
	}
	entries := f.summary.Entries()
	if len(entries) != 2 || entries[0].CounterpartID != "3" || entries[0].LastMessage != "yo" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRemoteCloseDropsPendingChecks(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, 10)

	closed := make(chan StateChange, 1)
	f.tracker.SubscribeState(func(c StateChange) {
		if c.State == StateDisconnected {
			closed <- c
		}
	})
	called := false
	f.tracker.CheckUserOnline("2", func(bool) { called = true })

	reset := errors.New("reset")
	conn.CloseRemote(reset)
	select {
	case c := <-closed:
		if !errors.Is(c.Err, reset) {
			t.Errorf("state change err = %v, want %v", c.Err, reset)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect published")
	}
	if f.tracker.PendingChecks() != 0 {
		t.Error("pending checks should be cleared")
	}
	if called {
		t.Error("pending callback must not be invoked on close")
	}
	if f.tracker.CheckUserOnline("2", nil) {
		t.Error("CheckUserOnline() after close should be a no-op")
	}
}

func TestWorkspaceSwitchResetsStatuses(t *testing.T) {
	f := newFixture(t)
	old := f.connect(t, 10)
	deliver(t, old, protocol.NewPresence(protocol.TypePresence, "2", true))

	f.connect(t, 11)

	if !old.Closed() {
		t.Error("old workspace socket should be closed")
	}
	if _, known := f.tracker.IsOnline("2"); known {
		t.Error("statuses should reset on workspace switch")
	}
	if got := f.dialer.OpenCount(transport.KindPresence); got != 1 {
		t.Errorf("open presence sockets = %d, want 1", got)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, 10)
	f.tracker.CheckUserOnline("2", func(bool) { t.Error("callback must not fire") })

	f.tracker.Disconnect()
	f.tracker.Disconnect()

	if f.tracker.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", f.tracker.State())
	}
	if !conn.Closed() {
		t.Error("socket should be closed")
	}
	if f.tracker.PendingChecks() != 0 {
		t.Error("pending checks should be cleared")
	}
}

func TestDialFailurePublishesDisconnect(t *testing.T) {
	f := newFixture(t)
	dialErr := &transport.Error{Code: transport.ErrCodeConnection, Kind: transport.KindPresence, Message: "refused"}
	f.dialer.FailWith(transport.KindPresence, dialErr)

	var last StateChange
	f.tracker.SubscribeState(func(c StateChange) { last = c })
	if err := f.tracker.Connect(context.Background(), workspaceKey(10)); err == nil {
		t.Fatal("expected dial error")
	}
	if last.State != StateDisconnected || last.Err == nil {
		t.Errorf("last state change = %+v", last)
	}
}

func TestResetDropsStatusesAndLateFrames(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, 10)
	if err := conn.Deliver(protocol.NewPresence(protocol.TypePresence, "2", true)); err != nil {
		t.Fatal(err)
	}

	f.tracker.Reset()

	if !conn.Closed() {
		t.Fatal("socket should be closed")
	}
	if err := conn.Deliver(protocol.NewPresence(protocol.TypePresence, "3", true)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []protocol.ID{"2", "3"} {
		if _, known := f.tracker.IsOnline(id); known {
			t.Errorf("status for %s survived Reset", id)
		}
	}
	if f.tracker.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", f.tracker.State())
	}
}
