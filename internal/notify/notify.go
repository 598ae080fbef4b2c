// Package notify implements the notification channel: a push-only list of
// notifications with an unread counter and a debounced mark-all-read.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/debounce"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/pubsub"
	"github.com/haasonsaas/huddle/internal/transport"
)

const defaultWindow = time.Second

// Snapshot is the notification state published to subscribers.
type Snapshot struct {
	Entries     []protocol.Notification
	UnreadCount int
	PanelOpen   bool
	Connected   bool
	Err         error
}

// Options configures a Center.
type Options struct {
	Connector transport.Connector
	// Window is how long the panel must stay quiet before mark-all-read
	// is sent. Zero uses one second.
	Window time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// Center owns the notification socket and list. Entries are newest first;
// an entry's read flag only moves from false to true.
type Center struct {
	conn   transport.Connector
	clock  clock.Clock
	logger *slog.Logger
	ack    *debounce.Coalescer[struct{}]

	mu        sync.Mutex
	key       transport.Key
	socket    *transport.Socket
	entries   []protocol.Notification
	unread    int
	panelOpen bool

	updates pubsub.Topic[Snapshot]
}

// New creates a Center.
func New(opts Options) *Center {
	window := opts.Window
	if window == 0 {
		window = defaultWindow
	}
	c := &Center{
		conn:   opts.Connector,
		clock:  clock.OrReal(opts.Clock),
		logger: observability.OrDefault(opts.Logger).With("component", "notify"),
	}
	c.ack = debounce.NewCoalescer(window, c.clock, func(struct{}) { c.MarkAllRead() })
	return c
}

// Connect opens the notification socket for key.
func (c *Center) Connect(ctx context.Context, key transport.Key) error {
	key = transport.Key{Kind: transport.KindNotifications, UserID: key.UserID}

	c.mu.Lock()
	if c.key != key {
		c.entries = nil
		c.unread = 0
		c.socket = nil
	}
	c.key = key
	c.mu.Unlock()

	handler := transport.HandlerFuncs{
		OnOpen:  c.handleOpen,
		OnFrame: c.handleFrame,
		OnClose: c.handleClose,
	}
	if _, err := c.conn.Connect(ctx, key, handler); err != nil {
		c.publish(err)
		return err
	}
	return nil
}

// Disconnect closes the notification socket and cancels a pending
// mark-all-read.
func (c *Center) Disconnect() {
	c.ack.Cancel()
	c.mu.Lock()
	c.socket = nil
	c.panelOpen = false
	c.mu.Unlock()
	c.conn.Close(transport.KindNotifications)
	c.publish(nil)
}

// Reset disconnects and drops the feed of the previous user.
func (c *Center) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.unread = 0
	c.key = transport.Key{}
	c.mu.Unlock()
	c.Disconnect()
}

func (c *Center) handleOpen(s *transport.Socket) {
	c.mu.Lock()
	if s.Key() != c.key {
		c.mu.Unlock()
		return
	}
	c.socket = s
	c.mu.Unlock()
	c.publish(nil)
}

func (c *Center) handleFrame(s *transport.Socket, frame []byte) {
	if !c.isCurrent(s) {
		c.logger.Debug("discarding frame from stale notification socket", "session_id", s.ID())
		return
	}
	header, err := protocol.DecodeHeader(frame)
	if err != nil {
		c.logger.Warn("discarding undecodable notification frame", "error", err)
		return
	}

	switch header.Type {
	case protocol.TypeInit:
		var event protocol.NotificationInit
		if err := json.Unmarshal(frame, &event); err != nil {
			c.logger.Warn("discarding malformed notification init", "error", err)
			return
		}
		c.seed(event)
	case protocol.TypeNew:
		var event protocol.NotificationNew
		if err := json.Unmarshal(frame, &event); err != nil {
			c.logger.Warn("discarding malformed notification", "error", err)
			return
		}
		c.add(event)
	default:
		c.logger.Debug("ignoring notification frame", "type", header.Kind())
	}
}

func (c *Center) handleClose(s *transport.Socket, err error) {
	c.mu.Lock()
	if c.socket != s {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	c.mu.Unlock()
	c.publish(err)
}

func (c *Center) isCurrent(s *transport.Socket) bool {
	c.mu.Lock()
	current := c.socket == s
	c.mu.Unlock()
	return current && c.conn.IsCurrent(s)
}

func (c *Center) seed(event protocol.NotificationInit) {
	c.mu.Lock()
	c.entries = append([]protocol.Notification(nil), event.Notifications...)
	c.unread = max(event.UnreadCount, 0)
	c.mu.Unlock()
	c.publish(nil)
}

func (c *Center) add(event protocol.NotificationNew) {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.clock.Now()
	}
	c.mu.Lock()
	entry := protocol.Notification{
		ID:        event.ID,
		Message:   event.Message,
		CreatedAt: createdAt,
		Workspace: event.Workspace,
		IsRead:    c.panelOpen,
	}
	c.entries = append([]protocol.Notification{entry}, c.entries...)
	if !c.panelOpen {
		c.unread++
	}
	c.mu.Unlock()
	c.publish(nil)
}

// OpenPanel marks the panel open and schedules a mark-all-read once the
// window passes. Notifications arriving while it is open are stored read.
func (c *Center) OpenPanel() {
	c.mu.Lock()
	c.panelOpen = true
	c.mu.Unlock()
	c.ack.Submit(struct{}{})
	c.publish(nil)
}

// ClosePanel marks the panel closed. A scheduled mark-all-read still runs.
func (c *Center) ClosePanel() {
	c.mu.Lock()
	c.panelOpen = false
	c.mu.Unlock()
	c.publish(nil)
}

// MarkAllRead sends one mark_read and flips every entry read. Nothing is
// sent when there is nothing unread. It reports whether a frame was sent.
func (c *Center) MarkAllRead() bool {
	c.ack.Cancel()

	c.mu.Lock()
	socket := c.socket
	pending := c.unread > 0
	for _, entry := range c.entries {
		if !entry.IsRead {
			pending = true
			break
		}
	}
	c.mu.Unlock()
	if !pending {
		return false
	}

	var sent bool
	if socket != nil {
		sent = socket.Send(protocol.NewMarkAllRead())
	} else {
		sent = c.conn.Send(transport.KindNotifications, protocol.NewMarkAllRead())
	}
	if !sent {
		return false
	}

	c.mu.Lock()
	for i := range c.entries {
		c.entries[i].IsRead = true
	}
	c.unread = 0
	c.mu.Unlock()
	c.publish(nil)
	return true
}

// AckPending reports whether a debounced mark-all-read is scheduled.
func (c *Center) AckPending() bool {
	return c.ack.Pending()
}

// Entries returns a copy of the list, newest first.
func (c *Center) Entries() []protocol.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Notification(nil), c.entries...)
}

// UnreadCount returns the unread counter.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// PanelOpen reports whether the panel is open.
func (c *Center) PanelOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.panelOpen
}

// Subscribe registers fn for state snapshots.
func (c *Center) Subscribe(fn func(Snapshot)) func() {
	return c.updates.Subscribe(fn)
}

func (c *Center) publish(err error) {
	c.mu.Lock()
	snapshot := Snapshot{
		Entries:     append([]protocol.Notification(nil), c.entries...),
		UnreadCount: c.unread,
		PanelOpen:   c.panelOpen,
		Connected:   c.socket != nil,
		Err:         err,
	}
	c.mu.Unlock()
	c.updates.Publish(snapshot)
}

// Connected reports whether the notification socket is open.
func (c *Center) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil
}
