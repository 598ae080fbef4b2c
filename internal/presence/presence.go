// Package presence tracks which users of a workspace are online and owns
// the presence socket, which also carries the unread summary frames.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/pubsub"
	"github.com/haasonsaas/huddle/internal/summary"
	"github.com/haasonsaas/huddle/internal/transport"
)

// State is the connection state of the tracker for its workspace.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StatusChange is published when a user's status changes or is first seen.
type StatusChange struct {
	UserID protocol.ID
	Online bool
}

// StateChange is published on every connection state transition. Err is
// set when the socket was closed by the remote side or failed to dial.
type StateChange struct {
	WorkspaceID protocol.ID
	State       State
	Err         error
}

// SummarySink receives the unread summary frames that share the presence
// socket. *summary.Aggregator implements it.
type SummarySink interface {
	Attach(s summary.Sender)
	Detach(s summary.Sender)
	ApplyBulk(entries []protocol.SummaryEntry)
	ApplyIncremental(entries []protocol.SummaryEntry)
}

var _ SummarySink = (*summary.Aggregator)(nil)

// Options configures a Tracker.
type Options struct {
	Connector transport.Connector
	Summary   SummarySink
	Logger    *slog.Logger
}

// Tracker keeps the last reported status of each user in the current
// workspace. Statuses are only written by incoming presence frames.
type Tracker struct {
	conn    transport.Connector
	sink    SummarySink
	logger  *slog.Logger
	handler transport.Handler

	mu        sync.Mutex
	state     State
	key       transport.Key
	socket    *transport.Socket
	statuses  map[protocol.ID]bool
	callbacks map[protocol.ID]func(online bool)

	changes pubsub.Topic[StatusChange]
	states  pubsub.Topic[StateChange]
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	t := &Tracker{
		conn:      opts.Connector,
		sink:      opts.Summary,
		logger:    observability.OrDefault(opts.Logger).With("component", "presence"),
		statuses:  make(map[protocol.ID]bool),
		callbacks: make(map[protocol.ID]func(bool)),
	}
	t.handler = transport.HandlerFuncs{
		OnOpen:  t.handleOpen,
		OnFrame: t.handleFrame,
		OnClose: t.handleClose,
	}
	return t
}

// Connect opens the presence socket for key. Switching to another
// workspace or user drops every known status.
func (t *Tracker) Connect(ctx context.Context, key transport.Key) error {
	key.Kind = transport.KindPresence
	key.PeerID = ""

	t.mu.Lock()
	if t.key != key {
		t.statuses = make(map[protocol.ID]bool)
		t.callbacks = make(map[protocol.ID]func(bool))
		t.socket = nil
	}
	t.key = key
	connecting := t.socket == nil && t.state != StateConnecting
	if t.socket == nil {
		t.state = StateConnecting
	}
	t.mu.Unlock()
	if connecting {
		t.states.Publish(StateChange{WorkspaceID: key.WorkspaceID, State: StateConnecting})
	}

	_, err := t.conn.Connect(ctx, key, t.handler)
	if err != nil {
		t.mu.Lock()
		failed := t.key == key && t.socket == nil
		if failed {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		if failed {
			t.states.Publish(StateChange{WorkspaceID: key.WorkspaceID, State: StateDisconnected, Err: err})
		}
		return err
	}
	return nil
}

// Disconnect closes the presence socket. Pending checks are dropped
// without being invoked.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	socket := t.socket
	t.socket = nil
	t.callbacks = make(map[protocol.ID]func(bool))
	changed := t.state != StateDisconnected
	t.state = StateDisconnected
	workspace := t.key.WorkspaceID
	t.mu.Unlock()

	if socket != nil && t.sink != nil {
		t.sink.Detach(socket)
	}
	t.conn.Close(transport.KindPresence)
	if changed {
		t.states.Publish(StateChange{WorkspaceID: workspace, State: StateDisconnected})
	}
}

// Reset disconnects and forgets every known status, as on a workspace or
// user change. Frames still in flight on the old socket are discarded.
func (t *Tracker) Reset() {
	t.Disconnect()
	t.mu.Lock()
	t.statuses = make(map[protocol.ID]bool)
	t.key = transport.Key{}
	t.mu.Unlock()
}

func (t *Tracker) handleOpen(s *transport.Socket) {
	t.mu.Lock()
	if s.Key() != t.key {
		t.mu.Unlock()
		return
	}
	t.socket = s
	t.state = StateConnected
	t.mu.Unlock()

	t.states.Publish(StateChange{WorkspaceID: s.Key().WorkspaceID, State: StateConnected})
	if t.sink != nil {
		t.sink.Attach(s)
	}
}

func (t *Tracker) handleFrame(s *transport.Socket, frame []byte) {
	if !t.isCurrent(s) {
		t.logger.Debug("discarding frame from stale presence socket", "session_id", s.ID())
		return
	}
	header, err := protocol.DecodeHeader(frame)
	if err != nil {
		t.logger.Warn("discarding undecodable presence frame", "error", err)
		return
	}

	switch header.Type {
	case protocol.TypePresence, protocol.TypePresenceCheck:
		var event protocol.PresenceEvent
		if err := json.Unmarshal(frame, &event); err != nil || event.UserID.IsZero() {
			t.logger.Warn("discarding malformed presence frame", "error", err)
			return
		}
		t.OnStatusUpdate(event.UserID, event.Online())
	case protocol.TypeUnreadSummary, protocol.TypeChatMessageUpdate:
		var event protocol.SummaryEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			t.logger.Warn("discarding malformed summary frame", "type", header.Type, "error", err)
			return
		}
		if t.sink == nil {
			return
		}
		if header.Type == protocol.TypeUnreadSummary {
			t.sink.ApplyBulk(event.Data)
		} else {
			t.sink.ApplyIncremental(event.Data)
		}
	default:
		t.logger.Debug("ignoring presence frame", "type", header.Kind())
	}
}

func (t *Tracker) handleClose(s *transport.Socket, err error) {
	t.mu.Lock()
	if t.socket != s {
		t.mu.Unlock()
		return
	}
	t.socket = nil
	t.state = StateDisconnected
	t.callbacks = make(map[protocol.ID]func(bool))
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Detach(s)
	}
	t.states.Publish(StateChange{WorkspaceID: s.Key().WorkspaceID, State: StateDisconnected, Err: err})
}

func (t *Tracker) isCurrent(s *transport.Socket) bool {
	t.mu.Lock()
	current := t.socket == s && s.Key() == t.key
	t.mu.Unlock()
	return current && t.conn.IsCurrent(s)
}

// OnStatusUpdate records a status report for userID. The last report wins;
// subscribers hear about it only when the status differs from the known
// one. A pending CheckUserOnline callback for userID fires once.
func (t *Tracker) OnStatusUpdate(userID protocol.ID, online bool) {
	t.mu.Lock()
	previous, known := t.statuses[userID]
	t.statuses[userID] = online
	callback := t.callbacks[userID]
	delete(t.callbacks, userID)
	t.mu.Unlock()

	if !known || previous != online {
		t.changes.Publish(StatusChange{UserID: userID, Online: online})
	}
	if callback != nil {
		callback(online)
	}
}

// CheckUserOnline asks the server whether userID is online and calls fn
// once with the answer. A later call for the same user replaces fn. When
// the presence socket is not connected nothing is sent, fn is dropped and
// never called, and false is returned.
func (t *Tracker) CheckUserOnline(userID protocol.ID, fn func(online bool)) bool {
	if userID.IsZero() {
		return false
	}
	t.mu.Lock()
	socket := t.socket
	if socket == nil || t.state != StateConnected {
		t.mu.Unlock()
		t.logger.Debug("check_user skipped, presence socket not connected", "user_id", userID.String())
		return false
	}
	if fn != nil {
		t.callbacks[userID] = fn
	}
	t.mu.Unlock()

	if !socket.Send(protocol.NewCheckUser(userID)) {
		t.mu.Lock()
		delete(t.callbacks, userID)
		t.mu.Unlock()
		return false
	}
	return true
}

// IsOnline returns the last known status of userID and whether one has
// been reported.
func (t *Tracker) IsOnline(userID protocol.ID) (online, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	online, known = t.statuses[userID]
	return online, known
}

// Snapshot returns a copy of every known status.
func (t *Tracker) Snapshot() map[protocol.ID]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[protocol.ID]bool, len(t.statuses))
	for id, online := range t.statuses {
		out[id] = online
	}
	return out
}

// PendingChecks returns the number of CheckUserOnline callbacks waiting.
func (t *Tracker) PendingChecks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callbacks)
}

// State returns the connection state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers fn for status changes.
func (t *Tracker) Subscribe(fn func(StatusChange)) func() {
	return t.changes.Subscribe(fn)
}

// SubscribeState registers fn for connection state changes.
func (t *Tracker) SubscribeState(fn func(StateChange)) func() {
	return t.states.Subscribe(fn)
}
