// Package chat implements the direct message channel: one live
// conversation at a time, its history, sends, and delivery and read
// receipts.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/debounce"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/pubsub"
	"github.com/haasonsaas/huddle/internal/transport"
)

// ReadPolicy selects when read receipts are sent for the open conversation.
type ReadPolicy string

const (
	// ReadWhenVisible sends mark_read only for messages reported through
	// MarkVisible, batched over the read window.
	ReadWhenVisible ReadPolicy = "visible"

	// ReadOnReceive sends mark_read right after mark_delivered for every
	// incoming message of the open conversation.
	ReadOnReceive ReadPolicy = "on_receive"
)

const defaultReadWindow = 300 * time.Millisecond

// Update is published whenever a conversation changes state or content.
type Update struct {
	Key      transport.Key
	State    State
	Messages []protocol.Message
	Err      error
}

// Options configures a Channel.
type Options struct {
	Connector  transport.Connector
	ReadPolicy ReadPolicy
	// ReadWindow batches MarkVisible calls. Zero uses 300ms; negative
	// sends immediately.
	ReadWindow time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

type readReceipt struct {
	conv *Conversation
	id   protocol.ID
}

// Channel owns the chat socket. Opening another conversation closes the
// previous conversation's socket; frames from superseded sockets are
// discarded.
type Channel struct {
	conn   transport.Connector
	policy ReadPolicy
	logger *slog.Logger
	reads  *debounce.Debouncer[readReceipt]

	mu            sync.Mutex
	conversations map[transport.Key]*Conversation
	active        *Conversation

	updates pubsub.Topic[Update]
}

// New creates a Channel.
func New(opts Options) *Channel {
	policy := opts.ReadPolicy
	if policy != ReadOnReceive {
		policy = ReadWhenVisible
	}
	window := opts.ReadWindow
	if window == 0 {
		window = defaultReadWindow
	}

	c := &Channel{
		conn:          opts.Connector,
		policy:        policy,
		logger:        observability.OrDefault(opts.Logger).With("component", "chat"),
		conversations: make(map[transport.Key]*Conversation),
	}
	c.reads = debounce.New(
		debounce.WithDelay[readReceipt](window),
		debounce.WithClock[readReceipt](clock.OrReal(opts.Clock)),
		debounce.WithKey(func(r *readReceipt) string { return r.conv.key.String() }),
		debounce.WithFlush(c.flushReads),
	)
	return c
}

// Policy returns the active read-receipt policy.
func (c *Channel) Policy() ReadPolicy { return c.policy }

// Open selects the conversation for key and connects its socket. The
// previous conversation, if any, is closed first. Opening the conversation
// that is already live is a no-op.
func (c *Channel) Open(ctx context.Context, key transport.Key) error {
	key.Kind = transport.KindChat
	if err := key.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	conv := c.conversations[key]
	if conv == nil {
		conv = newConversation(key)
		c.conversations[key] = conv
	}
	prev := c.active
	c.active = conv
	c.mu.Unlock()

	if prev != nil && prev != conv {
		c.release(prev)
	}

	conv.mu.Lock()
	if conv.socket != nil && c.conn.IsCurrent(conv.socket) {
		conv.mu.Unlock()
		return nil
	}
	conv.socket = nil
	conv.state = StateConnecting
	conv.mu.Unlock()
	c.publish(conv, nil)

	_, err := c.conn.Connect(ctx, key, &handler{channel: c, conv: conv})
	if err != nil {
		conv.mu.Lock()
		failed := conv.socket == nil
		if failed {
			conv.state = StateClosed
		}
		conv.mu.Unlock()
		if failed {
			c.publish(conv, err)
		}
		return err
	}
	return nil
}

// Close deselects the open conversation and closes the chat socket.
// Pending read receipts are sent first.
func (c *Channel) Close() {
	c.mu.Lock()
	conv := c.active
	c.active = nil
	c.mu.Unlock()

	if conv != nil {
		c.release(conv)
	}
	c.conn.Close(transport.KindChat)
}

// Reset closes the open conversation and forgets every cached one, as on
// logout or identity change.
func (c *Channel) Reset() {
	c.Close()
	c.mu.Lock()
	for key := range c.conversations {
		c.reads.Cancel(key.String())
	}
	c.conversations = make(map[transport.Key]*Conversation)
	c.mu.Unlock()
}

func (c *Channel) release(conv *Conversation) {
	c.reads.Flush(conv.key.String())
	conv.mu.Lock()
	conv.socket = nil
	changed := conv.state != StateClosed && conv.state != StateIdle
	if changed {
		conv.state = StateClosed
	}
	conv.mu.Unlock()
	if changed {
		c.publish(conv, nil)
	}
}

// Active returns the open conversation, or nil.
func (c *Channel) Active() *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Conversation returns the cached conversation for key, if it was ever
// opened.
func (c *Channel) Conversation(key transport.Key) (*Conversation, bool) {
	key.Kind = transport.KindChat
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[key]
	return conv, ok
}

// State returns the state of the open conversation, or StateIdle.
func (c *Channel) State() State {
	if conv := c.Active(); conv != nil {
		return conv.State()
	}
	return StateIdle
}

// Messages returns the history of the open conversation.
func (c *Channel) Messages() []protocol.Message {
	if conv := c.Active(); conv != nil {
		return conv.Messages()
	}
	return nil
}

// SendMessage sends text to the peer of the open conversation. Blank text
// is ignored. When the socket is not open the frame is dropped by the
// transport with a warning. The message is only added to the history once
// the server echoes it.
func (c *Channel) SendMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	conv := c.Active()
	if conv == nil {
		return c.conn.Send(transport.KindChat, protocol.NewSendChat(text, ""))
	}
	frame := protocol.NewSendChat(text, conv.key.PeerID)
	if socket := conv.currentSocket(); socket != nil {
		return socket.Send(frame)
	}
	return c.conn.Send(transport.KindChat, frame)
}

// MarkVisible reports messages of the open conversation that the user has
// seen. Messages not addressed to the current user, already read, already
// reported, or unknown are ignored. Receipts are sent in one mark_read
// after the read window. With the on_receive policy it does nothing. It
// returns the number of messages queued.
func (c *Channel) MarkVisible(ids ...protocol.ID) int {
	if c.policy != ReadWhenVisible {
		return 0
	}
	conv := c.Active()
	if conv == nil {
		return 0
	}

	var queued []protocol.ID
	conv.mu.Lock()
	for _, id := range ids {
		i := conv.indexLocked(id)
		if i < 0 {
			continue
		}
		msg := conv.messages[i]
		if msg.ReceiverID != conv.key.UserID || msg.IsRead || conv.requested[id] {
			continue
		}
		conv.requested[id] = true
		queued = append(queued, id)
	}
	conv.mu.Unlock()

	for _, id := range queued {
		c.reads.Enqueue(&readReceipt{conv: conv, id: id})
	}
	return len(queued)
}

// FlushReads sends pending read receipts immediately.
func (c *Channel) FlushReads() {
	if conv := c.Active(); conv != nil {
		c.reads.Flush(conv.key.String())
	}
}

func (c *Channel) flushReads(_ string, items []*readReceipt) {
	if len(items) == 0 {
		return
	}
	conv := items[0].conv
	ids := make([]protocol.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.id)
	}

	socket := conv.currentSocket()
	if socket == nil || !c.conn.IsCurrent(socket) || !socket.Send(protocol.NewMarkMessagesRead(ids)) {
		c.logger.Warn("read receipts dropped, chat socket not open", append(conv.key.LogAttrs(), "count", len(ids))...)
		conv.mu.Lock()
		for _, id := range ids {
			delete(conv.requested, id)
		}
		conv.mu.Unlock()
	}
}

// Subscribe registers fn for conversation updates.
func (c *Channel) Subscribe(fn func(Update)) func() {
	return c.updates.Subscribe(fn)
}

func (c *Channel) isActive(conv *Conversation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == conv
}

func (c *Channel) publish(conv *Conversation, err error) {
	conv.mu.Lock()
	update := Update{Key: conv.key, State: conv.state, Messages: conv.messagesLocked(), Err: err}
	conv.mu.Unlock()
	c.updates.Publish(update)
}

// handler binds a socket to the conversation it was opened for.
type handler struct {
	channel *Channel
	conv    *Conversation
}

func (h *handler) HandleOpen(s *transport.Socket) {
	c, conv := h.channel, h.conv
	if !c.isActive(conv) {
		return
	}
	conv.mu.Lock()
	conv.socket = s
	conv.state = StateHistoryLoading
	conv.mu.Unlock()

	s.Send(protocol.FetchHistory())
	c.publish(conv, nil)
}

func (h *handler) HandleFrame(s *transport.Socket, frame []byte) {
	c, conv := h.channel, h.conv
	if !h.current(s) {
		c.logger.Debug("discarding frame from stale chat socket", append(s.Key().LogAttrs(), "session_id", s.ID())...)
		return
	}
	header, err := protocol.DecodeHeader(frame)
	if err != nil {
		c.logger.Warn("discarding undecodable chat frame", "error", err)
		return
	}

	switch header.Type {
	case protocol.TypeChatHistory:
		var event protocol.ChatHistory
		if err := json.Unmarshal(frame, &event); err != nil {
			c.logger.Warn("discarding malformed chat history", "error", err)
			return
		}
		msgs := make([]protocol.Message, 0, len(event.Messages))
		for _, msg := range event.Messages {
			if conv.belongs(msg) {
				msgs = append(msgs, msg)
			}
		}
		conv.mu.Lock()
		conv.mergeLocked(msgs...)
		conv.state = StateLive
		conv.mu.Unlock()
		c.publish(conv, nil)

	case protocol.TypeChatMessage:
		var event protocol.ChatMessageEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			c.logger.Warn("discarding malformed chat message", "error", err)
			return
		}
		msg := event.Message
		if !conv.belongs(msg) {
			c.logger.Warn("discarding chat message for another conversation",
				"message_id", msg.ID.String(), "sender_id", msg.SenderID.String())
			return
		}
		conv.mu.Lock()
		changed := conv.mergeLocked(msg)
		if msg.ReceiverID == conv.key.UserID && c.policy == ReadOnReceive {
			conv.requested[msg.ID] = true
		}
		conv.mu.Unlock()

		if msg.ReceiverID == conv.key.UserID {
			s.Send(protocol.NewMarkDelivered(msg.ID))
			if c.policy == ReadOnReceive {
				s.Send(protocol.NewMarkMessagesRead([]protocol.ID{msg.ID}))
			}
		}
		if changed {
			c.publish(conv, nil)
		}

	case protocol.TypeReadUpdate:
		var event protocol.ReadUpdate
		if err := json.Unmarshal(frame, &event); err != nil {
			c.logger.Warn("discarding malformed read update", "error", err)
			return
		}
		conv.mu.Lock()
		changed := conv.markReadLocked(event.MessageIDs)
		conv.mu.Unlock()
		if changed {
			c.publish(conv, nil)
		}

	default:
		c.logger.Debug("ignoring chat frame", "type", header.Kind())
	}
}

func (h *handler) HandleClose(s *transport.Socket, err error) {
	conv := h.conv
	conv.mu.Lock()
	if conv.socket != s {
		conv.mu.Unlock()
		return
	}
	conv.socket = nil
	conv.state = StateClosed
	conv.mu.Unlock()
	h.channel.publish(conv, err)
}

// current reports whether s is the live socket of the open conversation.
func (h *handler) current(s *transport.Socket) bool {
	if !h.channel.isActive(h.conv) || s.Key() != h.conv.key {
		return false
	}
	if h.conv.currentSocket() != s {
		return false
	}
	return h.channel.conn.IsCurrent(s)
}
