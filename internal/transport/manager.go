package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/huddle/internal/observability"
)

// Options configures a Manager.
type Options struct {
	// DialTimeout bounds each dial. Zero means no extra timeout.
	DialTimeout time.Duration

	// ValidateFrames checks inbound frames against their JSON schema and
	// drops malformed ones.
	ValidateFrames bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Manager owns at most one socket per Kind.
type Manager struct {
	dialer         Dialer
	dialTimeout    time.Duration
	validateFrames bool
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer

	mu      sync.Mutex
	sockets map[Kind]*Socket
	pending map[Kind]*pendingDial

	// dropped counts sends for kinds with no socket at all.
	dropped atomic.Int64
}

type pendingDial struct {
	key    Key
	cancel context.CancelFunc
	done   chan struct{}
	socket *Socket
	err    error
}

// NewManager creates a Manager dialing through dialer.
func NewManager(dialer Dialer, opts Options) *Manager {
	return &Manager{
		dialer:         dialer,
		dialTimeout:    opts.DialTimeout,
		validateFrames: opts.ValidateFrames,
		logger:         observability.OrDefault(opts.Logger),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		sockets:        make(map[Kind]*Socket),
		pending:        make(map[Kind]*pendingDial),
	}
}

// Connect returns an open socket for key. If the socket for key is already
// open it is returned as is; a connect already in flight for key is joined
// rather than duplicated. A socket or dial for a different identity of the
// same kind is closed before the new dial starts.
//
// handler.HandleOpen runs on the calling goroutine before Connect returns
// and before any frame is delivered.
func (m *Manager) Connect(ctx context.Context, key Key, handler Handler) (*Socket, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}

	m.mu.Lock()
	if cur := m.sockets[key.Kind]; cur != nil && cur.key == key && cur.State() == StateOpen {
		m.mu.Unlock()
		return cur, nil
	}
	if p := m.pending[key.Kind]; p != nil {
		if p.key == key {
			m.mu.Unlock()
			return p.wait(ctx)
		}
		p.cancel()
		delete(m.pending, key.Kind)
	}
	old := m.sockets[key.Kind]
	delete(m.sockets, key.Kind)

	dialCtx, cancel := context.WithCancel(ctx)
	p := &pendingDial{key: key, cancel: cancel, done: make(chan struct{})}
	m.pending[key.Kind] = p
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("closing superseded socket", append([]any{"session_id", old.id}, old.key.LogAttrs()...)...)
		old.Close()
	}

	conn, err := m.dial(dialCtx, key)
	cancel()

	m.mu.Lock()
	if m.pending[key.Kind] != p {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		p.finish(nil, ErrSuperseded)
		return nil, ErrSuperseded
	}
	delete(m.pending, key.Kind)
	if err != nil {
		m.mu.Unlock()
		p.finish(nil, err)
		return nil, err
	}
	sock := newSocket(key, conn, handler, m)
	m.sockets[key.Kind] = sock
	m.mu.Unlock()

	m.metrics.SocketOpened(string(key.Kind))
	sock.logger.Info("socket open")
	handler.HandleOpen(sock)
	go sock.readLoop()

	p.finish(sock, nil)
	return sock, nil
}

func (m *Manager) dial(ctx context.Context, key Key) (Conn, error) {
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}
	ctx, span := m.tracer.TraceDial(ctx, string(key.Kind),
		attribute.String("user_id", key.UserID.String()),
		attribute.String("workspace_id", key.WorkspaceID.String()),
	)
	defer span.End()

	conn, err := m.dialer.Dial(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		code := CodeOf(err)
		if code == "" {
			code = ErrCodeConnection
		}
		m.tracer.RecordError(span, err)
		m.metrics.DialFailed(string(key.Kind), string(code))
		m.logger.Warn("socket dial failed", append(key.LogAttrs(), "code", string(code), "error", err)...)
		return nil, err
	}
	return conn, nil
}

func (p *pendingDial) wait(ctx context.Context) (*Socket, error) {
	select {
	case <-p.done:
		return p.socket, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pendingDial) finish(sock *Socket, err error) {
	p.socket = sock
	p.err = err
	close(p.done)
}

// release forgets s if it is still the current socket for its kind.
func (m *Manager) release(s *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sockets[s.key.Kind] == s {
		delete(m.sockets, s.key.Kind)
	}
}

// IsCurrent reports whether s is the manager's live socket for its kind.
// Handlers use it to discard frames from superseded sockets.
func (m *Manager) IsCurrent(s *Socket) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sockets[s.key.Kind] == s && s.State() == StateOpen
}

// Current returns the live socket for kind, or nil.
func (m *Manager) Current(kind Kind) *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sockets[kind]; s != nil && s.State() == StateOpen {
		return s
	}
	return nil
}

// State returns the channel state for kind.
func (m *Manager) State(kind Kind) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[kind] != nil {
		return StateConnecting
	}
	if s := m.sockets[kind]; s != nil {
		return s.State()
	}
	return StateIdle
}

// Send writes v on the live socket for kind. Without one the frame is
// dropped with a warning; Send reports whether it was written.
func (m *Manager) Send(kind Kind, v any) bool {
	if s := m.Current(kind); s != nil {
		return s.Send(v)
	}
	m.dropped.Add(1)
	m.metrics.FrameDropped(string(kind))
	m.logger.Warn("dropping frame, socket not connected", "kind", string(kind), "error", ErrNotConnected)
	return false
}

// Dropped returns the number of frames dropped because no socket existed
// for their kind.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Close closes the socket for kind and cancels any dial in flight. It is
// safe to call repeatedly.
func (m *Manager) Close(kind Kind) {
	m.mu.Lock()
	s := m.sockets[kind]
	delete(m.sockets, kind)
	if p := m.pending[kind]; p != nil {
		p.cancel()
		delete(m.pending, kind)
	}
	m.mu.Unlock()
	s.Close()
}

// CloseAll closes every socket.
func (m *Manager) CloseAll() {
	for _, kind := range Kinds {
		m.Close(kind)
	}
}
