package chat

import (
	"sort"
	"sync"

	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/transport"
)

// State is the lifecycle state of a conversation.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHistoryLoading
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHistoryLoading:
		return "history_loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conversation is the message history between the current user and one
// peer in a workspace. It is created on first open and kept for the life
// of the Channel.
type Conversation struct {
	key transport.Key

	mu        sync.Mutex
	state     State
	socket    *transport.Socket
	messages  []protocol.Message
	requested map[protocol.ID]bool
}

func newConversation(key transport.Key) *Conversation {
	return &Conversation{key: key, requested: make(map[protocol.ID]bool)}
}

// Key returns the chat socket key of the conversation.
func (c *Conversation) Key() transport.Key { return c.key }

// Peer returns the other participant.
func (c *Conversation) Peer() protocol.ID { return c.key.PeerID }

// State returns the lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the history ordered by timestamp, then id.
func (c *Conversation) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesLocked()
}

// Message returns the message with id.
func (c *Conversation) Message(id protocol.ID) (protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.messages[i], true
	}
	return protocol.Message{}, false
}

func (c *Conversation) currentSocket() *transport.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

func (c *Conversation) messagesLocked() []protocol.Message {
	out := make([]protocol.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) indexLocked(id protocol.ID) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// belongs reports whether msg was exchanged between the two participants.
func (c *Conversation) belongs(msg protocol.Message) bool {
	self, peer := c.key.UserID, c.key.PeerID
	return (msg.SenderID == self && msg.ReceiverID == peer) ||
		(msg.SenderID == peer && msg.ReceiverID == self)
}

// mergeLocked inserts or updates messages by id and keeps the history
// sorted. Read and delivered flags never revert. It reports whether
// anything changed.
func (c *Conversation) mergeLocked(msgs ...protocol.Message) bool {
	changed := false
	for _, msg := range msgs {
		if msg.ID.IsZero() {
			continue
		}
		if i := c.indexLocked(msg.ID); i >= 0 {
			existing := c.messages[i]
			msg.IsRead = msg.IsRead || existing.IsRead
			msg.IsDelivered = msg.IsDelivered || existing.IsDelivered || msg.IsRead
			if !msg.Equal(existing) {
				c.messages[i] = msg
				changed = true
			}
			continue
		}
		c.messages = append(c.messages, msg)
		changed = true
	}
	if changed {
		sort.SliceStable(c.messages, func(i, j int) bool {
			a, b := c.messages[i], c.messages[j]
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID.Less(b.ID)
		})
	}
	return changed
}

// markReadLocked sets IsRead on every message in ids and reports whether
// any flag flipped.
func (c *Conversation) markReadLocked(ids []protocol.ID) bool {
	changed := false
	for _, id := range ids {
		i := c.indexLocked(id)
		if i < 0 {
			continue
		}
		delete(c.requested, id)
		if !c.messages[i].IsRead {
			c.messages[i].IsRead = true
			c.messages[i].IsDelivered = true
			changed = true
		}
	}
	return changed
}
