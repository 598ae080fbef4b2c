package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/huddle/internal/chat"
	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/presence"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/session"
	"github.com/haasonsaas/huddle/internal/transport"
	"github.com/haasonsaas/huddle/internal/transport/transporttest"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var ada = Identity{UserID: "1", WorkspaceID: "10", DisplayName: "Ada"}

type validatorFunc func(ctx context.Context) error

func (f validatorFunc) Validate(ctx context.Context) error { return f(ctx) }

type fixture struct {
	dialer *transporttest.Dialer
	clock  *clock.Fake
	client *Client
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dialer := transporttest.NewDialer()
	fake := clock.NewFake(t0)
	opts := Options{
		Dialer:         dialer,
		ReadPolicy:     chat.ReadWhenVisible,
		ReadWindow:     -1,
		ValidateFrames: true,
		Clock:          fake,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	client := New(opts)
	client.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(client.Close)
	return &fixture{dialer: dialer, clock: fake, client: client}
}

func presenceKey(id Identity) transport.Key {
	return transport.Key{Kind: transport.KindPresence, UserID: id.UserID, WorkspaceID: id.WorkspaceID}
}

func chatKey(id Identity, peer protocol.ID) transport.Key {
	return transport.Key{Kind: transport.KindChat, UserID: id.UserID, WorkspaceID: id.WorkspaceID, PeerID: peer}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartConnectsEveryChannel(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, kind := range []transport.Kind{transport.KindPresence, transport.KindNotifications, transport.KindCalls} {
		if got := f.dialer.OpenCount(kind); got != 1 {
			t.Errorf("open %s sockets = %d, want 1", kind, got)
		}
	}
	if f.dialer.OpenCount(transport.KindChat) != 0 {
		t.Error("chat should not be dialed until a conversation is opened")
	}
	if got := f.dialer.Last(transport.KindPresence).Count(protocol.TypeGetUnreadSummary); got != 1 {
		t.Errorf("get_unread_summary sent %d times, want 1", got)
	}
	if f.client.Presence().State() != presence.StateConnected {
		t.Errorf("presence state = %v", f.client.Presence().State())
	}
}

func TestStartWithoutWorkspaceSkipsPresence(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), Identity{UserID: "1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.dialer.Last(transport.KindPresence) != nil {
		t.Error("presence dialed without a workspace")
	}
	if f.dialer.OpenCount(transport.KindNotifications) != 1 {
		t.Error("notifications not connected")
	}
}

func TestStartRequiresUser(t *testing.T) {
	f := newFixture(t, nil)
	err := f.client.Start(context.Background(), Identity{WorkspaceID: "10"})
	if !errors.Is(err, transport.ErrInvalidKey) {
		t.Fatalf("Start() error = %v, want ErrInvalidKey", err)
	}
}

func TestSwitchIdentityConnectsOnlyForLast(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConnectWindow = 250 * time.Millisecond })
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.client.OpenChat(context.Background(), "2"); err != nil {
		t.Fatalf("OpenChat() error = %v", err)
	}

	second := Identity{UserID: "1", WorkspaceID: "11", DisplayName: "Ada"}
	third := Identity{UserID: "1", WorkspaceID: "12", DisplayName: "Ada"}
	f.client.SwitchIdentity(second)
	f.client.SwitchIdentity(third)

	if f.client.Chat().Active() != nil {
		t.Error("open chat should close on identity switch")
	}
	if f.dialer.DialCount(presenceKey(third)) != 0 {
		t.Fatal("dialed before the connect window elapsed")
	}

	f.clock.Advance(250 * time.Millisecond)

	if got := f.dialer.DialCount(presenceKey(second)); got != 0 {
		t.Errorf("intermediate workspace dialed %d times", got)
	}
	if got := f.dialer.DialCount(presenceKey(third)); got != 1 {
		t.Errorf("final workspace dialed %d times, want 1", got)
	}
	if got := f.dialer.OpenCount(transport.KindPresence); got != 1 {
		t.Errorf("open presence sockets = %d, want 1", got)
	}
	notifications := transport.Key{Kind: transport.KindNotifications, UserID: "1"}
	if got := f.dialer.DialCount(notifications); got != 1 {
		t.Errorf("notifications dialed %d times; same user should reuse the socket", got)
	}
	if f.client.Identity() != third {
		t.Errorf("Identity() = %+v", f.client.Identity())
	}
}

func TestSwitchWorkspaceDiscardsOldPresence(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConnectWindow = 250 * time.Millisecond })
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	old := f.dialer.Last(transport.KindPresence)
	if err := old.Deliver(protocol.NewPresence(protocol.TypePresence, "7", true)); err != nil {
		t.Fatal(err)
	}

	next := Identity{UserID: "1", WorkspaceID: "11", DisplayName: "Ada"}
	f.client.SwitchIdentity(next)

	if !old.Closed() {
		t.Fatal("old workspace presence socket should close on switch")
	}
	if _, known := f.client.Presence().IsOnline("7"); known {
		t.Error("statuses from the old workspace should be dropped")
	}

	late := []any{
		protocol.SummaryEvent{
			Type: protocol.TypeChatMessageUpdate,
			Data: []protocol.SummaryEntry{{UserID: "7", UnreadCount: 3, LastMessageTime: t0}},
		},
		protocol.NewPresence(protocol.TypePresence, "8", true),
	}
	for _, frame := range late {
		if err := old.Deliver(frame); err != nil {
			t.Fatal(err)
		}
	}
	if entry, ok := f.client.Summary().Entry("7"); ok {
		t.Errorf("old workspace summary applied after switch: %+v", entry)
	}
	if _, known := f.client.Presence().IsOnline("8"); known {
		t.Error("old workspace presence applied after switch")
	}

	if err := f.client.OpenChat(context.Background(), "2"); err != nil {
		t.Fatalf("OpenChat() error = %v", err)
	}
	if got := old.Count(protocol.TypeMarkRead); got != 0 {
		t.Errorf("mark_read written to the old workspace %d times", got)
	}

	f.clock.Advance(250 * time.Millisecond)
	if got := f.dialer.DialCount(presenceKey(next)); got != 1 {
		t.Errorf("new workspace dialed %d times, want 1", got)
	}
	if got := f.dialer.OpenCount(transport.KindPresence); got != 1 {
		t.Errorf("open presence sockets = %d, want 1", got)
	}
}

func TestSwitchUserClosesUserSockets(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConnectWindow = 250 * time.Millisecond })
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	notifications := f.dialer.Last(transport.KindNotifications)
	calls := f.dialer.Last(transport.KindCalls)
	err := notifications.Deliver(protocol.NotificationInit{
		Type:          protocol.TypeInit,
		UnreadCount:   1,
		Notifications: []protocol.Notification{{ID: "1", Message: "assigned to you", CreatedAt: t0}},
	})
	if err != nil {
		t.Fatal(err)
	}

	grace := Identity{UserID: "2", WorkspaceID: "10", DisplayName: "Grace"}
	f.client.SwitchIdentity(grace)

	if !notifications.Closed() || !calls.Closed() {
		t.Fatal("sockets of the previous user should close on switch")
	}
	if n := f.client.Notifications().UnreadCount(); n != 0 {
		t.Errorf("UnreadCount() = %d, want 0", n)
	}
	if n := len(f.client.Notifications().Entries()); n != 0 {
		t.Errorf("previous user's notifications still listed: %d", n)
	}

	f.clock.Advance(250 * time.Millisecond)
	for _, kind := range []transport.Kind{transport.KindNotifications, transport.KindCalls} {
		key := transport.Key{Kind: kind, UserID: grace.UserID}
		if got := f.dialer.DialCount(key); got != 1 {
			t.Errorf("%s for the new user dialed %d times, want 1", kind, got)
		}
	}
}

func TestOpenChatInvalidSessionLogsOut(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Session = validatorFunc(func(context.Context) error {
			return fmt.Errorf("validate: %w", session.ErrInvalidSession)
		})
	})
	events := make(chan LoggedOut, 1)
	f.client.SubscribeLoggedOut(func(e LoggedOut) { events <- e })
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := f.client.OpenChat(context.Background(), "2")
	if !errors.Is(err, session.ErrInvalidSession) {
		t.Fatalf("OpenChat() error = %v, want ErrInvalidSession", err)
	}

	select {
	case e := <-events:
		if e.Reason != ReasonSessionInvalid {
			t.Errorf("reason = %q, want %q", e.Reason, ReasonSessionInvalid)
		}
		if e.Identity != ada {
			t.Errorf("identity = %+v", e.Identity)
		}
	default:
		t.Fatal("LoggedOut not published")
	}
	if got := f.dialer.DialCount(chatKey(ada, "2")); got != 0 {
		t.Errorf("chat dialed %d times after invalid session", got)
	}
	for _, kind := range []transport.Kind{transport.KindPresence, transport.KindNotifications, transport.KindCalls} {
		if got := f.dialer.OpenCount(kind); got != 0 {
			t.Errorf("%s sockets still open: %d", kind, got)
		}
	}
	if !f.client.Identity().IsZero() {
		t.Error("identity should be cleared")
	}
	if err := f.client.OpenChat(context.Background(), "2"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("OpenChat() after logout error = %v, want ErrNotStarted", err)
	}
}

func TestOpenChatTransientValidationError(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Session = validatorFunc(func(context.Context) error { return errors.New("network down") })
	})
	loggedOut := false
	f.client.SubscribeLoggedOut(func(LoggedOut) { loggedOut = true })
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.client.OpenChat(context.Background(), "2"); err == nil {
		t.Fatal("expected error")
	}
	if loggedOut {
		t.Error("transient validation failure should not log out")
	}
	if f.client.Identity() != ada {
		t.Error("identity should be kept")
	}
}

func TestOpenChatZeroesUnread(t *testing.T) {
	validated := 0
	f := newFixture(t, func(o *Options) {
		o.Session = validatorFunc(func(context.Context) error { validated++; return nil })
	})
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	presenceConn := f.dialer.Last(transport.KindPresence)
	err := presenceConn.Deliver(protocol.SummaryEvent{
		Type: protocol.TypeUnreadSummary,
		Data: []protocol.SummaryEntry{{UserID: "2", UnreadCount: 3, LastMessage: "hi", LastMessageTime: t0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.client.Summary().TotalUnread(); got != 3 {
		t.Fatalf("TotalUnread() = %d, want 3", got)
	}

	if err := f.client.OpenChat(context.Background(), "2"); err != nil {
		t.Fatalf("OpenChat() error = %v", err)
	}
	if validated != 1 {
		t.Errorf("session validated %d times, want 1", validated)
	}
	entry, ok := f.client.Summary().Entry("2")
	if !ok || entry.UnreadCount != 0 {
		t.Errorf("entry = %+v, %v; want zero unread", entry, ok)
	}
	marks := presenceConn.WritesOfType(protocol.TypeMarkRead)
	if len(marks) != 1 || marks[0]["sender_id"] != float64(2) {
		t.Errorf("mark_read frames = %v", marks)
	}
	chatConn := f.dialer.Last(transport.KindChat)
	if chatConn == nil || chatConn.Key != chatKey(ada, "2") {
		t.Fatalf("chat conn = %+v", chatConn)
	}
	if got := chatConn.Count(protocol.TypeFetchHistory); got != 1 {
		t.Errorf("fetch_history sent %d times, want 1", got)
	}
}

func TestOpenChatRejectsSelf(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.client.OpenChat(context.Background(), ada.UserID); !errors.Is(err, transport.ErrInvalidKey) {
		t.Fatalf("OpenChat(self) error = %v, want ErrInvalidKey", err)
	}
	if f.client.Summary().Selected() != "" {
		t.Error("nothing should be selected")
	}
}

func TestOpenChatSwitchesConversation(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.client.OpenChat(context.Background(), "2"); err != nil {
		t.Fatal(err)
	}
	first := f.dialer.Last(transport.KindChat)
	if err := f.client.OpenChat(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}

	if !first.Closed() {
		t.Error("previous conversation socket should be closed")
	}
	if got := f.dialer.OpenCount(transport.KindChat); got != 1 {
		t.Errorf("open chat sockets = %d, want 1", got)
	}
	if active := f.client.Chat().Active(); active == nil || active.Peer() != "3" {
		t.Errorf("active conversation = %v", active)
	}
	if f.client.Summary().Selected() != "3" {
		t.Errorf("Selected() = %q", f.client.Summary().Selected())
	}
}

func TestReconnectsPresenceAfterRemoteClose(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Reconnect = &transport.ReconnectConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	})
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f.dialer.Last(transport.KindPresence).CloseRemote(nil)

	waitFor(t, func() bool {
		return f.dialer.DialCount(presenceKey(ada)) == 2 && f.client.Presence().State() == presence.StateConnected
	})
	if got := f.dialer.OpenCount(transport.KindPresence); got != 1 {
		t.Errorf("open presence sockets = %d, want 1", got)
	}
}

func TestReconnectsActiveChat(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Reconnect = &transport.ReconnectConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	})
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.client.OpenChat(context.Background(), "2"); err != nil {
		t.Fatal(err)
	}

	f.dialer.Last(transport.KindChat).CloseRemote(nil)

	waitFor(t, func() bool { return f.dialer.DialCount(chatKey(ada, "2")) == 2 })
	waitFor(t, func() bool {
		conn := f.dialer.Last(transport.KindChat)
		return conn.Count(protocol.TypeFetchHistory) == 1
	})
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.dialer.Last(transport.KindPresence).CloseRemote(nil)
	waitFor(t, func() bool { return f.client.Presence().State() == presence.StateDisconnected })
	time.Sleep(10 * time.Millisecond)
	if got := f.dialer.DialCount(presenceKey(ada)); got != 1 {
		t.Errorf("presence dialed %d times, want 1", got)
	}
}

func TestAuthErrorLogsOut(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Reconnect = &transport.ReconnectConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	})
	events := make(chan LoggedOut, 1)
	f.client.SubscribeLoggedOut(func(e LoggedOut) { events <- e })
	f.dialer.FailWith(transport.KindNotifications, &transport.Error{
		Code:    transport.ErrCodeAuthentication,
		Kind:    transport.KindNotifications,
		Message: "token rejected",
	})

	if err := f.client.Start(context.Background(), ada); !transport.IsAuthError(err) {
		t.Fatalf("Start() error = %v, want auth error", err)
	}

	select {
	case e := <-events:
		if e.Reason != ReasonUnauthenticated {
			t.Errorf("reason = %q, want %q", e.Reason, ReasonUnauthenticated)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LoggedOut not published")
	}
	waitFor(t, func() bool { return f.dialer.OpenCount(transport.KindPresence) == 0 })
	if got := f.dialer.DialCount(transport.Key{Kind: transport.KindNotifications, UserID: "1"}); got != 1 {
		t.Errorf("notifications dialed %d times; auth errors must not be retried", got)
	}
}

func TestLogoutClearsState(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := f.dialer.Last(transport.KindPresence).Deliver(protocol.SummaryEvent{
		Type: protocol.TypeUnreadSummary,
		Data: []protocol.SummaryEntry{{UserID: "2", UnreadCount: 1, LastMessageTime: t0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.client.OpenChat(context.Background(), "2"); err != nil {
		t.Fatal(err)
	}

	var got LoggedOut
	f.client.SubscribeLoggedOut(func(e LoggedOut) { got = e })
	f.client.Logout(ReasonUser, nil)

	if got.Reason != ReasonUser || got.Identity != ada {
		t.Errorf("LoggedOut = %+v", got)
	}
	if len(f.client.Summary().Entries()) != 0 {
		t.Error("summary entries should be cleared")
	}
	if f.client.Chat().Active() != nil {
		t.Error("chat should be closed")
	}
	for _, kind := range transport.Kinds {
		if n := f.dialer.OpenCount(kind); n != 0 {
			t.Errorf("%s sockets still open: %d", kind, n)
		}
	}
	if f.client.CheckUserOnline("2", nil) {
		t.Error("check_user should not be sent after logout")
	}
}

func TestCallerNameFollowsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.client.Start(context.Background(), ada); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	room, ok := f.client.CallUser("2", "")
	if !ok || room == "" {
		t.Fatalf("CallUser() = %q, %v", room, ok)
	}
	invites := f.dialer.Last(transport.KindCalls).WritesOfType(protocol.ActionCallUser)
	if len(invites) != 1 || invites[0]["caller_name"] != "Ada" || invites[0]["room_id"] != room {
		t.Errorf("call_user frames = %v", invites)
	}
	if !f.client.CancelCall(room) {
		t.Error("CancelCall() = false")
	}
	if f.client.Calls().Outgoing() != 0 {
		t.Error("cancelled call still ringing")
	}
}
