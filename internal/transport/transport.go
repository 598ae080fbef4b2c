// Package transport owns the realtime sockets and keeps at most one live
// socket per channel kind. Sockets never reconnect on their own.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/huddle/internal/protocol"
)

// Kind names a logical realtime channel.
type Kind string

const (
	KindPresence      Kind = "presence"
	KindChat          Kind = "chat"
	KindNotifications Kind = "notifications"
	KindCalls         Kind = "calls"
)

// Kinds lists every channel kind.
var Kinds = []Kind{KindPresence, KindChat, KindNotifications, KindCalls}

// Key identifies the socket a channel needs for one identity. Two keys
// that differ in any field are different identities.
type Key struct {
	Kind        Kind
	UserID      protocol.ID
	WorkspaceID protocol.ID
	PeerID      protocol.ID
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	b.WriteString(":user=")
	b.WriteString(k.UserID.String())
	if !k.WorkspaceID.IsZero() {
		b.WriteString("/workspace=")
		b.WriteString(k.WorkspaceID.String())
	}
	if !k.PeerID.IsZero() {
		b.WriteString("/peer=")
		b.WriteString(k.PeerID.String())
	}
	return b.String()
}

// Validate checks that the key carries the scope its kind requires.
func (k Key) Validate() error {
	if k.UserID.IsZero() {
		return fmt.Errorf("%w: user id is required", ErrInvalidKey)
	}
	switch k.Kind {
	case KindPresence:
		if k.WorkspaceID.IsZero() {
			return fmt.Errorf("%w: presence requires a workspace", ErrInvalidKey)
		}
	case KindChat:
		if k.WorkspaceID.IsZero() || k.PeerID.IsZero() {
			return fmt.Errorf("%w: chat requires a workspace and a peer", ErrInvalidKey)
		}
		if k.PeerID == k.UserID {
			return fmt.Errorf("%w: chat peer must differ from the user", ErrInvalidKey)
		}
	case KindNotifications, KindCalls:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

// LogAttrs returns slog key/value pairs describing the key.
func (k Key) LogAttrs() []any {
	attrs := []any{"kind", string(k.Kind), "user_id", k.UserID.String()}
	if !k.WorkspaceID.IsZero() {
		attrs = append(attrs, "workspace_id", k.WorkspaceID.String())
	}
	if !k.PeerID.IsZero() {
		attrs = append(attrs, "peer_id", k.PeerID.String())
	}
	return attrs
}

// State is the lifecycle state of a channel.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is a framed, text-message connection. ReadFrame is only called from
// one goroutine; WriteFrame calls are serialized by the Socket.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens connections for keys.
type Dialer interface {
	Dial(ctx context.Context, key Key) (Conn, error)
}

// Connector is the part of Manager that channel components depend on.
type Connector interface {
	Connect(ctx context.Context, key Key, handler Handler) (*Socket, error)
	Close(kind Kind)
	IsCurrent(s *Socket) bool
	Send(kind Kind, v any) bool
}

var _ Connector = (*Manager)(nil)

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, key Key) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, key Key) (Conn, error) {
	return f(ctx, key)
}

// Handler receives socket lifecycle events. HandleOpen runs before the first
// frame is read. HandleFrame calls for one socket are sequential and in
// arrival order. HandleClose runs exactly once; err is nil when the socket
// was closed locally.
type Handler interface {
	HandleOpen(s *Socket)
	HandleFrame(s *Socket, frame []byte)
	HandleClose(s *Socket, err error)
}

// HandlerFuncs builds a Handler from optional functions.
type HandlerFuncs struct {
	OnOpen  func(s *Socket)
	OnFrame func(s *Socket, frame []byte)
	OnClose func(s *Socket, err error)
}

func (h HandlerFuncs) HandleOpen(s *Socket) {
	if h.OnOpen != nil {
		h.OnOpen(s)
	}
}

func (h HandlerFuncs) HandleFrame(s *Socket, frame []byte) {
	if h.OnFrame != nil {
		h.OnFrame(s, frame)
	}
}

func (h HandlerFuncs) HandleClose(s *Socket, err error) {
	if h.OnClose != nil {
		h.OnClose(s, err)
	}
}
