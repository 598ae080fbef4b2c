package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/transport"
	"github.com/haasonsaas/huddle/internal/transport/transporttest"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var userKey = transport.Key{Kind: transport.KindNotifications, UserID: "1"}

type fixture struct {
	dialer *transporttest.Dialer
	clock  *clock.Fake
	center *Center
	conn   *transporttest.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dialer := transporttest.NewDialer()
	manager := transport.NewManager(dialer, transport.Options{ValidateFrames: true})
	t.Cleanup(manager.CloseAll)
	fake := clock.NewFake(t0)
	center := New(Options{Connector: manager, Clock: fake})
	if err := center.Connect(context.Background(), userKey); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return &fixture{dialer: dialer, clock: fake, center: center, conn: dialer.Last(transport.KindNotifications)}
}

func (f *fixture) deliver(t *testing.T, frames ...any) {
	t.Helper()
	for _, frame := range frames {
		if err := f.conn.Deliver(frame); err != nil {
			t.Fatal(err)
		}
	}
}

func initFrame(unread int, read ...bool) protocol.NotificationInit {
	frame := protocol.NotificationInit{Type: protocol.TypeInit, UnreadCount: unread, Notifications: []protocol.Notification{}}
	for i, isRead := range read {
		frame.Notifications = append(frame.Notifications, protocol.Notification{
			ID:        protocol.IDFromInt(int64(i + 1)),
			Message:   "assigned to you",
			CreatedAt: t0.Add(-time.Duration(i) * time.Hour),
			IsRead:    isRead,
		})
	}
	return frame
}

func TestInitSeedsState(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(2, false, false, true))

	if got := len(f.center.Entries()); got != 3 {
		t.Errorf("entries = %d, want 3", got)
	}
	if got := f.center.UnreadCount(); got != 2 {
		t.Errorf("UnreadCount() = %d, want 2", got)
	}
}

func TestNewNotification(t *testing.T) {
	tests := []struct {
		name       string
		panelOpen  bool
		wantUnread int
		wantRead   bool
	}{
		{name: "panel closed", wantUnread: 2, wantRead: false},
		{name: "panel open", panelOpen: true, wantUnread: 1, wantRead: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deliver(t, initFrame(1, false))
			if tt.panelOpen {
				f.center.OpenPanel()
			}
			f.deliver(t, protocol.NotificationNew{
				Type:      protocol.TypeNew,
				Message:   "sprint started",
				Workspace: &protocol.WorkspaceRef{ID: "10", Name: "Core"},
			})

			entries := f.center.Entries()
			if len(entries) != 2 || entries[0].Message != "sprint started" {
				t.Fatalf("entries = %+v, want new entry first", entries)
			}
			if entries[0].IsRead != tt.wantRead {
				t.Errorf("IsRead = %v, want %v", entries[0].IsRead, tt.wantRead)
			}
			if entries[0].Workspace == nil || entries[0].Workspace.Name != "Core" {
				t.Errorf("workspace = %+v", entries[0].Workspace)
			}
			if !entries[0].CreatedAt.Equal(t0) {
				t.Errorf("CreatedAt = %v, want clock time", entries[0].CreatedAt)
			}
			if got := f.center.UnreadCount(); got != tt.wantUnread {
				t.Errorf("UnreadCount() = %d, want %d", got, tt.wantUnread)
			}
		})
	}
}

func TestPanelMarkAllReadDebounce(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(3, false, false, false))

	f.center.OpenPanel()
	f.clock.Advance(400 * time.Millisecond)
	f.center.ClosePanel()
	if got := f.conn.Count(protocol.TypeMarkRead); got != 0 {
		t.Fatalf("mark_read sent before the window elapsed: %d", got)
	}

	f.clock.Advance(time.Second)
	if got := f.conn.Count(protocol.TypeMarkRead); got != 1 {
		t.Fatalf("mark_read sent %d times, want 1", got)
	}
	if got := f.center.UnreadCount(); got != 0 {
		t.Errorf("UnreadCount() = %d, want 0", got)
	}
	for _, entry := range f.center.Entries() {
		if !entry.IsRead {
			t.Errorf("entry %s still unread", entry.ID)
		}
	}

	f.clock.Advance(5 * time.Second)
	if got := f.conn.Count(protocol.TypeMarkRead); got != 1 {
		t.Errorf("mark_read sent %d times after the window, want 1", got)
	}
}

func TestPanelToggleCoalesces(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(3, false, false, false))

	for i := 0; i < 5; i++ {
		f.center.OpenPanel()
		f.clock.Advance(200 * time.Millisecond)
		f.center.ClosePanel()
	}
	if !f.center.AckPending() {
		t.Fatal("mark-all-read should still be scheduled")
	}
	f.clock.Advance(time.Second)
	if got := f.conn.Count(protocol.TypeMarkRead); got != 1 {
		t.Errorf("mark_read sent %d times, want 1", got)
	}
}

func TestPanelNothingUnread(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(0, true))
	f.center.OpenPanel()
	f.clock.Advance(time.Second)
	if got := f.conn.Count(protocol.TypeMarkRead); got != 0 {
		t.Errorf("mark_read sent %d times with nothing unread", got)
	}
}

func TestMarkAllReadImmediate(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(1, false))
	f.center.OpenPanel()

	if !f.center.MarkAllRead() {
		t.Fatal("MarkAllRead() should send")
	}
	if f.center.AckPending() {
		t.Error("MarkAllRead() should cancel the scheduled acknowledgement")
	}
	f.clock.Advance(time.Second)
	if got := f.conn.Count(protocol.TypeMarkRead); got != 1 {
		t.Errorf("mark_read sent %d times, want 1", got)
	}
	frame := f.conn.WritesOfType(protocol.TypeMarkRead)[0]
	if len(frame) != 1 {
		t.Errorf("notification mark_read carries extra fields: %v", frame)
	}
}

func TestMarkAllReadDisconnectedKeepsState(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(2, false, false))
	f.conn.CloseRemote(errors.New("reset"))
	deadline := time.Now().Add(5 * time.Second)
	for f.center.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("center did not observe the close")
		}
		time.Sleep(time.Millisecond)
	}

	if f.center.MarkAllRead() {
		t.Error("MarkAllRead() should report the drop")
	}
	if got := f.center.UnreadCount(); got != 2 {
		t.Errorf("UnreadCount() = %d, want 2", got)
	}
}

func TestSubscribeSnapshots(t *testing.T) {
	f := newFixture(t)
	var last Snapshot
	f.center.Subscribe(func(s Snapshot) { last = s })

	f.deliver(t, initFrame(1, false))
	if last.UnreadCount != 1 || len(last.Entries) != 1 || !last.Connected {
		t.Errorf("snapshot = %+v", last)
	}
	f.center.OpenPanel()
	if !last.PanelOpen {
		t.Error("snapshot should report the open panel")
	}
}

func TestDisconnectCancelsPendingAck(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(1, false))
	f.center.OpenPanel()
	f.center.Disconnect()

	f.clock.Advance(time.Second)
	if got := f.conn.Count(protocol.TypeMarkRead); got != 0 {
		t.Errorf("mark_read sent %d times after disconnect", got)
	}
	if !f.conn.Closed() {
		t.Error("socket should be closed")
	}
}

func TestResetDropsFeed(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, initFrame(2, false, false))

	f.center.Reset()

	if f.center.UnreadCount() != 0 || len(f.center.Entries()) != 0 {
		t.Errorf("feed after Reset: unread=%d entries=%d", f.center.UnreadCount(), len(f.center.Entries()))
	}
	if !f.conn.Closed() || f.center.Connected() {
		t.Error("socket should be closed")
	}
}
