// Package realtime wires the presence, unread summary, chat, notification
// and call components onto one connection manager for a single signed-in
// identity.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/calls"
	"github.com/haasonsaas/huddle/internal/chat"
	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/debounce"
	"github.com/haasonsaas/huddle/internal/notify"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/presence"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/pubsub"
	"github.com/haasonsaas/huddle/internal/retry"
	"github.com/haasonsaas/huddle/internal/session"
	"github.com/haasonsaas/huddle/internal/summary"
	"github.com/haasonsaas/huddle/internal/transport"
)

// Logout reasons.
const (
	ReasonUser            = "user"
	ReasonSessionInvalid  = "session_invalid"
	ReasonUnauthenticated = "unauthenticated"
)

var (
	// ErrNotStarted is returned by operations that need an identity.
	ErrNotStarted = errors.New("realtime client not started")

	errIdentityChanged = errors.New("identity changed")
)

// Identity is the signed-in user and the workspace they are viewing.
type Identity struct {
	UserID      protocol.ID
	WorkspaceID protocol.ID
	DisplayName string
}

// IsZero reports whether no identity is set.
func (id Identity) IsZero() bool {
	return id.UserID.IsZero()
}

// LoggedOut is published when the client drops its identity.
type LoggedOut struct {
	Identity Identity
	Reason   string
	Err      error
}

// Validator checks the REST session before a chat socket is opened.
// *session.Client implements it.
type Validator interface {
	Validate(ctx context.Context) error
}

var _ Validator = (*session.Client)(nil)

// Options configures a Client.
type Options struct {
	Dialer transport.Dialer
	// Session, when set, is validated before each chat is opened.
	Session Validator

	ReadPolicy chat.ReadPolicy
	// Debounce windows. Zero uses each component's default; ConnectWindow
	// zero connects immediately.
	ConnectWindow      time.Duration
	ReadWindow         time.Duration
	NotificationWindow time.Duration
	RingTimeout        time.Duration

	// Reconnect enables caller-driven reconnects after unexpected closes.
	Reconnect *transport.ReconnectConfig

	DialTimeout    time.Duration
	ValidateFrames bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Client is the entry point used by the UI layer. UI code reads state
// through the component accessors and Subscribe methods and changes it only
// through Client methods.
type Client struct {
	manager   *transport.Manager
	validator Validator
	summary   *summary.Aggregator
	presence  *presence.Tracker
	chat      *chat.Channel
	notify    *notify.Center
	calls     *calls.Signaler
	connect   *debounce.Coalescer[Identity]
	reconnect *transport.ReconnectConfig
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger

	mu           sync.Mutex
	identity     Identity
	ctx          context.Context
	cancel       context.CancelFunc
	reconnecting map[transport.Kind]bool

	loggedOut pubsub.Topic[LoggedOut]
	unsubs    []func()
}

// New creates a Client. Nothing is dialed until Start.
func New(opts Options) *Client {
	logger := observability.OrDefault(opts.Logger)
	c := &Client{
		manager: transport.NewManager(opts.Dialer, transport.Options{
			DialTimeout:    opts.DialTimeout,
			ValidateFrames: opts.ValidateFrames,
			Logger:         logger,
			Metrics:        opts.Metrics,
			Tracer:         opts.Tracer,
		}),
		validator:    opts.Session,
		summary:      summary.New(logger),
		reconnect:    opts.Reconnect,
		sleep:        retry.Sleep,
		logger:       logger.With("component", "realtime"),
		reconnecting: make(map[transport.Kind]bool),
	}
	c.presence = presence.New(presence.Options{Connector: c.manager, Summary: c.summary, Logger: logger})
	c.chat = chat.New(chat.Options{
		Connector:  c.manager,
		ReadPolicy: opts.ReadPolicy,
		ReadWindow: opts.ReadWindow,
		Clock:      opts.Clock,
		Logger:     logger,
	})
	c.notify = notify.New(notify.Options{
		Connector: c.manager,
		Window:    opts.NotificationWindow,
		Clock:     opts.Clock,
		Logger:    logger,
	})
	c.calls = calls.New(calls.Options{
		Connector:   c.manager,
		RingTimeout: opts.RingTimeout,
		Clock:       opts.Clock,
		Logger:      logger,
	})
	c.connect = debounce.NewCoalescer(opts.ConnectWindow, clock.OrReal(opts.Clock), c.connectCoalesced)

	c.unsubs = append(c.unsubs,
		c.presence.SubscribeState(c.onPresenceState),
		c.chat.Subscribe(c.onChatUpdate),
		c.notify.Subscribe(c.onNotifications),
	)
	return c
}

// Start connects presence, notifications and calls for id. Failures are
// joined; each component reports its own state as well.
func (c *Client) Start(ctx context.Context, id Identity) error {
	if id.IsZero() {
		return fmt.Errorf("%w: user id is required", transport.ErrInvalidKey)
	}
	c.mu.Lock()
	if c.cancel == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.identity = id
	c.mu.Unlock()
	c.calls.SetCallerName(id.DisplayName)
	return c.connectAll(ctx, id)
}

// SwitchIdentity changes the user or workspace. The open chat and every
// socket bound to the old identity close at once; sockets for the new
// identity are opened after the connect window so that rapid switching
// connects only for the last identity.
func (c *Client) SwitchIdentity(id Identity) {
	c.mu.Lock()
	if id == c.identity {
		c.mu.Unlock()
		return
	}
	prev := c.identity
	c.identity = id
	if c.cancel == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	c.logger.Info("switching identity",
		"user_id", id.UserID.String(), "workspace_id", id.WorkspaceID.String(),
		"previous_workspace_id", prev.WorkspaceID.String())
	c.chat.Reset()
	if id.UserID != prev.UserID || id.WorkspaceID != prev.WorkspaceID {
		c.presence.Reset()
	}
	c.summary.Reset()
	if id.UserID != prev.UserID {
		c.notify.Reset()
		c.calls.Disconnect()
	}
	c.calls.SetCallerName(id.DisplayName)
	c.connect.Submit(id)
}

func (c *Client) connectCoalesced(id Identity) {
	c.mu.Lock()
	ctx := c.ctx
	current := c.identity == id
	c.mu.Unlock()
	if !current || ctx == nil {
		return
	}
	if err := c.connectAll(ctx, id); err != nil {
		c.logger.Warn("connect after identity switch failed", "error", err)
	}
}

func (c *Client) connectAll(ctx context.Context, id Identity) error {
	var errs []error
	if !id.WorkspaceID.IsZero() {
		key := transport.Key{Kind: transport.KindPresence, UserID: id.UserID, WorkspaceID: id.WorkspaceID}
		if err := c.presence.Connect(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("presence: %w", err))
		}
	}
	if err := c.notify.Connect(ctx, transport.Key{Kind: transport.KindNotifications, UserID: id.UserID}); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}
	if c.Identity() != id {
		errs = append(errs, errIdentityChanged)
		return errors.Join(errs...)
	}
	if err := c.calls.Connect(ctx, transport.Key{Kind: transport.KindCalls, UserID: id.UserID}); err != nil {
		errs = append(errs, fmt.Errorf("calls: %w", err))
	}
	return errors.Join(errs...)
}

// Identity returns the current identity.
func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Logout closes every socket, clears all component state and publishes
// LoggedOut with reason.
func (c *Client) Logout(reason string, err error) {
	c.mu.Lock()
	id := c.identity
	c.identity = Identity{}
	cancel := c.cancel
	c.ctx, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.connect.Cancel()
	c.chat.Reset()
	c.presence.Reset()
	c.summary.Reset()
	c.notify.Reset()
	c.calls.Disconnect()
	c.manager.CloseAll()

	c.logger.Info("logged out", "reason", reason, "user_id", id.UserID.String(), "error", err)
	c.loggedOut.Publish(LoggedOut{Identity: id, Reason: reason, Err: err})
}

// Close shuts the client down without publishing LoggedOut.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.ctx, c.cancel = nil, nil
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	c.connect.Stop()
	c.chat.Reset()
	c.presence.Disconnect()
	c.notify.Disconnect()
	c.calls.Disconnect()
	c.manager.CloseAll()
}

// OpenChat validates the session and opens the conversation with peer,
// zeroing its unread count. An invalid session logs the client out and the
// chat is never opened.
func (c *Client) OpenChat(ctx context.Context, peer protocol.ID) error {
	id := c.Identity()
	if id.IsZero() {
		return ErrNotStarted
	}
	if c.validator != nil {
		if err := c.validator.Validate(ctx); err != nil {
			if errors.Is(err, session.ErrInvalidSession) {
				c.Logout(ReasonSessionInvalid, err)
			}
			return err
		}
		if c.Identity() != id {
			return errIdentityChanged
		}
	}
	key := transport.Key{Kind: transport.KindChat, UserID: id.UserID, WorkspaceID: id.WorkspaceID, PeerID: peer}
	if err := key.Validate(); err != nil {
		return err
	}
	c.summary.Open(peer)
	return c.chat.Open(ctx, key)
}

// CloseChat closes the open conversation.
func (c *Client) CloseChat() {
	c.chat.Close()
	c.summary.Close()
}

// SendMessage sends text in the open conversation.
func (c *Client) SendMessage(text string) bool {
	return c.chat.SendMessage(text)
}

// MarkVisible reports messages the user has seen in the open conversation.
func (c *Client) MarkVisible(ids ...protocol.ID) int {
	return c.chat.MarkVisible(ids...)
}

// CheckUserOnline asks whether userID is online; fn receives the answer.
func (c *Client) CheckUserOnline(userID protocol.ID, fn func(online bool)) bool {
	return c.presence.CheckUserOnline(userID, fn)
}

// OpenNotifications opens the notification panel.
func (c *Client) OpenNotifications() { c.notify.OpenPanel() }

// CloseNotifications closes the notification panel.
func (c *Client) CloseNotifications() { c.notify.ClosePanel() }

// MarkAllNotificationsRead acknowledges every notification now.
func (c *Client) MarkAllNotificationsRead() bool { return c.notify.MarkAllRead() }

// CallUser invites to into a call, returning the room id.
func (c *Client) CallUser(to protocol.ID, roomID string) (string, bool) {
	return c.calls.CallUser(to, roomID)
}

// AcceptCall answers an incoming call.
func (c *Client) AcceptCall(from protocol.ID, roomID string) bool {
	return c.calls.Accept(from, roomID)
}

// DeclineCall rejects an incoming call.
func (c *Client) DeclineCall(from protocol.ID, roomID string) bool {
	return c.calls.Decline(from, roomID)
}

// CancelCall withdraws an outgoing call.
func (c *Client) CancelCall(roomID string) bool {
	return c.calls.Cancel(roomID)
}

func (c *Client) Manager() *transport.Manager { return c.manager }
func (c *Client) Presence() *presence.Tracker { return c.presence }
func (c *Client) Summary() *summary.Aggregator { return c.summary }
func (c *Client) Chat() *chat.Channel { return c.chat }
func (c *Client) Notifications() *notify.Center { return c.notify }
func (c *Client) Calls() *calls.Signaler { return c.calls }

// SubscribeLoggedOut registers fn for logout events.
func (c *Client) SubscribeLoggedOut(fn func(LoggedOut)) func() {
	return c.loggedOut.Subscribe(fn)
}

func (c *Client) SubscribePresence(fn func(presence.StatusChange)) func() {
	return c.presence.Subscribe(fn)
}

func (c *Client) SubscribeSummary(fn func([]summary.Entry)) func() {
	return c.summary.Subscribe(fn)
}

func (c *Client) SubscribeChat(fn func(chat.Update)) func() {
	return c.chat.Subscribe(fn)
}

func (c *Client) SubscribeNotifications(fn func(notify.Snapshot)) func() {
	return c.notify.Subscribe(fn)
}

func (c *Client) SubscribeCalls(fn func(protocol.CallSignal)) func() {
	return c.calls.Subscribe(fn)
}
