package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
)

// Socket is one live connection for a Key. A Socket is created open by the
// Manager and only ever moves to closed.
type Socket struct {
	id      string
	key     Key
	conn    Conn
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics
	// validate enables schema checks on inbound frames.
	validate bool
	onFinish func(*Socket)

	state       atomic.Int32
	dropped     atomic.Int64
	closedLocal atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newSocket(key Key, conn Conn, handler Handler, m *Manager) *Socket {
	s := &Socket{
		id:       uuid.NewString(),
		key:      key,
		conn:     conn,
		handler:  handler,
		metrics:  m.metrics,
		validate: m.validateFrames,
		onFinish: m.release,
		done:     make(chan struct{}),
	}
	s.logger = m.logger.With(append([]any{"session_id", s.id}, key.LogAttrs()...)...)
	s.state.Store(int32(StateOpen))
	return s
}

// ID returns the socket's unique session id.
func (s *Socket) ID() string { return s.id }

// Key returns the identity the socket was opened for.
func (s *Socket) Key() Key { return s.key }

// State returns the current state.
func (s *Socket) State() State { return State(s.state.Load()) }

// Dropped returns the number of frames dropped because the socket was not
// open.
func (s *Socket) Dropped() int64 { return s.dropped.Load() }

// Done is closed once the read loop has exited and HandleClose has run.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the socket, or nil after a local close.
// It is only meaningful after Done is closed.
func (s *Socket) Err() error {
	<-s.done
	return s.err
}

// Send encodes v as one frame. When the socket is not open the frame is
// dropped, counted and logged; Send never fails loudly and reports whether
// the frame was written.
func (s *Socket) Send(v any) bool {
	if s == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode frame", "error", err)
		return false
	}
	frameType := frameKind(data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() != StateOpen {
		s.drop(frameType)
		return false
	}
	if err := s.conn.WriteFrame(data); err != nil {
		s.logger.Warn("socket write failed", "type", frameType, "error", err)
		s.drop(frameType)
		go s.Close()
		return false
	}
	s.metrics.FrameSent(string(s.key.Kind), frameType)
	return true
}

func (s *Socket) drop(frameType string) {
	s.dropped.Add(1)
	s.metrics.FrameDropped(string(s.key.Kind))
	s.logger.Warn("dropping frame on socket that is not open", "type", frameType, "state", s.State().String())
}

// Close closes the socket. It is safe to call more than once and from any
// goroutine, including handlers.
func (s *Socket) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closedLocal.Store(true)
		s.writeMu.Lock()
		s.state.Store(int32(StateClosed))
		s.writeMu.Unlock()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("socket close returned error", "error", err)
		}
	})
}

func (s *Socket) readLoop() {
	var loopErr error
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			loopErr = err
			break
		}
		if s.State() != StateOpen {
			break
		}
		if s.validate {
			header, err := protocol.ValidateServerFrame(frame)
			if err != nil {
				s.metrics.FrameInvalid(string(s.key.Kind))
				s.logger.Warn("discarding malformed frame", "error", err)
				continue
			}
			s.metrics.FrameReceived(string(s.key.Kind), header.Kind())
		} else {
			s.metrics.FrameReceived(string(s.key.Kind), frameKind(frame))
		}
		s.handler.HandleFrame(s, frame)
	}
	s.finish(loopErr)
}

func (s *Socket) finish(err error) {
	if s.closedLocal.Load() {
		err = nil
	}
	s.writeMu.Lock()
	s.state.Store(int32(StateClosed))
	s.writeMu.Unlock()
	s.Close()
	s.err = err

	if err != nil {
		s.logger.Info("socket closed by remote", "error", err)
	} else {
		s.logger.Debug("socket closed")
	}
	s.metrics.SocketClosed(string(s.key.Kind))
	s.onFinish(s)
	s.handler.HandleClose(s, err)
	close(s.done)
}

func frameKind(data []byte) string {
	header, err := protocol.DecodeHeader(data)
	if err != nil {
		return "unknown"
	}
	if kind := header.Kind(); kind != "" {
		return kind
	}
	return "unknown"
}
