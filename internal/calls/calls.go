// Package calls relays video call signaling: invitations, answers and
// missed-call notices. Media is negotiated elsewhere using the room id.
package calls

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/pubsub"
	"github.com/haasonsaas/huddle/internal/transport"
)

const defaultRingTimeout = 30 * time.Second

// Options configures a Signaler.
type Options struct {
	Connector transport.Connector
	// CallerName is sent with outgoing invitations.
	CallerName string
	// RingTimeout is how long an outgoing call rings before missed_call is
	// sent to the callee. Zero uses 30s; negative disables it.
	RingTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

type outgoing struct {
	to    protocol.ID
	timer clock.Timer
}

// Signaler owns the call socket. Every inbound signal is published to all
// subscribers.
type Signaler struct {
	conn        transport.Connector
	ringTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu         sync.Mutex
	callerName string
	key        transport.Key
	socket     *transport.Socket
	ringing    map[string]protocol.CallSignal
	outgoing   map[string]*outgoing

	signals pubsub.Topic[protocol.CallSignal]
}

// New creates a Signaler.
func New(opts Options) *Signaler {
	timeout := opts.RingTimeout
	if timeout == 0 {
		timeout = defaultRingTimeout
	}
	return &Signaler{
		conn:        opts.Connector,
		callerName:  opts.CallerName,
		ringTimeout: timeout,
		clock:       clock.OrReal(opts.Clock),
		logger:      observability.OrDefault(opts.Logger).With("component", "calls"),
		ringing:     make(map[string]protocol.CallSignal),
		outgoing:    make(map[string]*outgoing),
	}
}

// Connect opens the call socket for key.
func (s *Signaler) Connect(ctx context.Context, key transport.Key) error {
	key = transport.Key{Kind: transport.KindCalls, UserID: key.UserID}
	s.mu.Lock()
	if s.key != key {
		s.resetLocked()
	}
	s.key = key
	s.mu.Unlock()

	_, err := s.conn.Connect(ctx, key, transport.HandlerFuncs{
		OnOpen:  s.handleOpen,
		OnFrame: s.handleFrame,
		OnClose: s.handleClose,
	})
	return err
}

// Disconnect closes the call socket and forgets ringing calls.
func (s *Signaler) Disconnect() {
	s.mu.Lock()
	s.socket = nil
	s.resetLocked()
	s.mu.Unlock()
	s.conn.Close(transport.KindCalls)
}

func (s *Signaler) resetLocked() {
	for room, call := range s.outgoing {
		if call.timer != nil {
			call.timer.Stop()
		}
		delete(s.outgoing, room)
	}
	s.ringing = make(map[string]protocol.CallSignal)
}

func (s *Signaler) handleOpen(sock *transport.Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sock.Key() == s.key {
		s.socket = sock
	}
}

func (s *Signaler) handleClose(sock *transport.Socket, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == sock {
		s.socket = nil
	}
}

func (s *Signaler) handleFrame(sock *transport.Socket, frame []byte) {
	s.mu.Lock()
	current := s.socket == sock
	s.mu.Unlock()
	if !current || !s.conn.IsCurrent(sock) {
		s.logger.Debug("discarding frame from stale call socket", "session_id", sock.ID())
		return
	}

	var signal protocol.CallSignal
	if err := json.Unmarshal(frame, &signal); err != nil {
		s.logger.Warn("discarding malformed call signal", "error", err)
		return
	}

	switch signal.Action {
	case protocol.ActionIncomingCall:
		s.mu.Lock()
		s.ringing[signal.RoomID] = signal
		s.mu.Unlock()
	case protocol.ActionCallAccepted, protocol.ActionCallDeclined:
		s.stopRinging(signal.RoomID)
	case protocol.ActionMissedCall:
		s.mu.Lock()
		for room, call := range s.ringing {
			if signal.RoomID == "" || signal.RoomID == room {
				if signal.FromUserID.IsZero() || call.FromUserID == signal.FromUserID {
					delete(s.ringing, room)
				}
			}
		}
		s.mu.Unlock()
	default:
		s.logger.Debug("ignoring call frame", "action", signal.Action)
		return
	}
	s.signals.Publish(signal)
}

func (s *Signaler) stopRinging(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call, ok := s.outgoing[room]; ok {
		if call.timer != nil {
			call.timer.Stop()
		}
		delete(s.outgoing, room)
	}
}

// SetCallerName changes the name sent with outgoing invitations.
func (s *Signaler) SetCallerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerName = name
}

// CallUser invites to into roomID, generating a room id when roomID is
// empty. It returns the room id and whether the invitation was written.
// Without an answer inside the ring timeout a missed_call is sent.
func (s *Signaler) CallUser(to protocol.ID, roomID string) (string, bool) {
	if roomID == "" {
		roomID = uuid.NewString()
	}
	s.mu.Lock()
	name := s.callerName
	s.mu.Unlock()
	signal := protocol.CallSignal{
		Action:     protocol.ActionCallUser,
		ToUserID:   to,
		RoomID:     roomID,
		CallerName: name,
	}
	if !s.send(signal) {
		return roomID, false
	}

	call := &outgoing{to: to}
	if s.ringTimeout > 0 {
		call.timer = s.clock.AfterFunc(s.ringTimeout, func() { s.ringExpired(roomID) })
	}
	s.mu.Lock()
	s.outgoing[roomID] = call
	s.mu.Unlock()
	return roomID, true
}

func (s *Signaler) ringExpired(roomID string) {
	s.mu.Lock()
	call, ok := s.outgoing[roomID]
	delete(s.outgoing, roomID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("call not answered", "room_id", roomID, "to_user_id", call.to.String())
	s.send(protocol.CallSignal{Action: protocol.ActionMissedCall, ToUserID: call.to, RoomID: roomID})
}

// Cancel withdraws an outgoing call, telling the callee it was missed.
func (s *Signaler) Cancel(roomID string) bool {
	s.mu.Lock()
	call, ok := s.outgoing[roomID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.stopRinging(roomID)
	return s.send(protocol.CallSignal{Action: protocol.ActionMissedCall, ToUserID: call.to, RoomID: roomID})
}

// Accept answers an incoming call.
func (s *Signaler) Accept(from protocol.ID, roomID string) bool {
	return s.answer(protocol.ActionAcceptCall, from, roomID)
}

// Decline rejects an incoming call.
func (s *Signaler) Decline(from protocol.ID, roomID string) bool {
	return s.answer(protocol.ActionDeclineCall, from, roomID)
}

func (s *Signaler) answer(action string, from protocol.ID, roomID string) bool {
	s.mu.Lock()
	delete(s.ringing, roomID)
	s.mu.Unlock()
	return s.send(protocol.CallSignal{Action: action, ToUserID: from, RoomID: roomID})
}

// Ringing returns the incoming calls that have not been answered.
func (s *Signaler) Ringing() []protocol.CallSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.CallSignal, 0, len(s.ringing))
	for _, call := range s.ringing {
		out = append(out, call)
	}
	return out
}

// Outgoing returns the number of outgoing calls still ringing.
func (s *Signaler) Outgoing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outgoing)
}

// Subscribe registers fn for every inbound call signal.
func (s *Signaler) Subscribe(fn func(protocol.CallSignal)) func() {
	return s.signals.Subscribe(fn)
}

func (s *Signaler) send(signal protocol.CallSignal) bool {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock != nil {
		return sock.Send(signal)
	}
	return s.conn.Send(transport.KindCalls, signal)
}
