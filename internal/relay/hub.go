package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/transport"
)

// unreadEntry is one row of a user's unread summary.
type unreadEntry struct {
	count    int
	last     string
	lastTime time.Time
}

type clientSet map[*client]struct{}

// hub is the relay's in-memory state. Every field is guarded by mu;
// client.enqueue never blocks so frames are queued while it is held.
type hub struct {
	clock  clock.Clock
	logger *slog.Logger
	names  func(protocol.ID) string

	mu sync.Mutex

	presence      map[protocol.ID]map[protocol.ID]clientSet // workspace -> user
	chats         map[string]clientSet                      // conversation
	notifications map[protocol.ID]clientSet
	calls         map[protocol.ID]clientSet

	messages map[string][]*protocol.Message
	unread   map[protocol.ID]map[protocol.ID]map[protocol.ID]*unreadEntry // workspace -> owner -> counterpart
	notices  map[protocol.ID][]protocol.Notification

	nextMessageID int64
	nextNoticeID  int64
}

func newHub(c clock.Clock, logger *slog.Logger, names func(protocol.ID) string) *hub {
	return &hub{
		clock:         clock.OrReal(c),
		logger:        logger,
		names:         names,
		presence:      make(map[protocol.ID]map[protocol.ID]clientSet),
		chats:         make(map[string]clientSet),
		notifications: make(map[protocol.ID]clientSet),
		calls:         make(map[protocol.ID]clientSet),
		messages:      make(map[string][]*protocol.Message),
		unread:        make(map[protocol.ID]map[protocol.ID]map[protocol.ID]*unreadEntry),
		notices:       make(map[protocol.ID][]protocol.Notification),
	}
}

// conversationKey names the message log shared by a and b in workspace.
func conversationKey(workspace, a, b protocol.ID) string {
	if b.Less(a) {
		a, b = b, a
	}
	return workspace.String() + "|" + a.String() + "|" + b.String()
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch c.key.Kind {
	case transport.KindPresence:
		users := h.presence[c.key.WorkspaceID]
		if users == nil {
			users = make(map[protocol.ID]clientSet)
			h.presence[c.key.WorkspaceID] = users
		}
		first := len(users[c.key.UserID]) == 0
		addClient(users, c.key.UserID, c)
		if first {
			h.broadcastPresenceLocked(c.key.WorkspaceID, c.key.UserID, true)
		}
	case transport.KindChat:
		conv := conversationKey(c.key.WorkspaceID, c.key.UserID, c.key.PeerID)
		set := h.chats[conv]
		if set == nil {
			set = make(clientSet)
			h.chats[conv] = set
		}
		set[c] = struct{}{}
	case transport.KindNotifications:
		addClient(h.notifications, c.key.UserID, c)
		notices := h.notices[c.key.UserID]
		unread := 0
		for _, n := range notices {
			if !n.IsRead {
				unread++
			}
		}
		c.enqueue(protocol.NotificationInit{
			Type:          protocol.TypeInit,
			Notifications: append([]protocol.Notification{}, notices...),
			UnreadCount:   unread,
		})
	case transport.KindCalls:
		addClient(h.calls, c.key.UserID, c)
	}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch c.key.Kind {
	case transport.KindPresence:
		users := h.presence[c.key.WorkspaceID]
		if removeClient(users, c.key.UserID, c) {
			h.broadcastPresenceLocked(c.key.WorkspaceID, c.key.UserID, false)
		}
		if len(users) == 0 {
			delete(h.presence, c.key.WorkspaceID)
		}
	case transport.KindChat:
		conv := conversationKey(c.key.WorkspaceID, c.key.UserID, c.key.PeerID)
		delete(h.chats[conv], c)
		if len(h.chats[conv]) == 0 {
			delete(h.chats, conv)
		}
	case transport.KindNotifications:
		removeClient(h.notifications, c.key.UserID, c)
	case transport.KindCalls:
		removeClient(h.calls, c.key.UserID, c)
	}
}

func addClient(m map[protocol.ID]clientSet, user protocol.ID, c *client) {
	set := m[user]
	if set == nil {
		set = make(clientSet)
		m[user] = set
	}
	set[c] = struct{}{}
}

// removeClient reports whether c was the user's last client.
func removeClient(m map[protocol.ID]clientSet, user protocol.ID, c *client) bool {
	set, ok := m[user]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, user)
		return true
	}
	return false
}

func (h *hub) broadcastPresenceLocked(workspace, user protocol.ID, online bool) {
	frame := protocol.NewPresence(protocol.TypePresence, user, online)
	for other, set := range h.presence[workspace] {
		if other == user {
			continue
		}
		for c := range set {
			c.enqueue(frame)
		}
	}
}

func (h *hub) isOnlineLocked(workspace, user protocol.ID) bool {
	return len(h.presence[workspace][user]) > 0
}

// handle routes one validated client frame.
func (h *hub) handle(c *client, kind string, raw []byte) {
	switch c.key.Kind {
	case transport.KindPresence:
		h.handlePresence(c, kind, raw)
	case transport.KindChat:
		h.handleChat(c, kind, raw)
	case transport.KindNotifications:
		h.handleNotifications(c, kind)
	case transport.KindCalls:
		h.handleCall(c, kind, raw)
	}
}

func (h *hub) handlePresence(c *client, kind string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, user := c.key.WorkspaceID, c.key.UserID
	switch kind {
	case protocol.TypeGetUnreadSummary:
		c.enqueue(protocol.SummaryEvent{Type: protocol.TypeUnreadSummary, Data: h.summaryLocked(w, user)})
	case protocol.TypeCheckUser:
		var req protocol.CheckUser
		if !decode(c, raw, &req) {
			return
		}
		c.enqueue(protocol.NewPresence(protocol.TypePresenceCheck, req.UserID, h.isOnlineLocked(w, req.UserID)))
	case protocol.TypeMarkRead:
		var req protocol.MarkRead
		if !decode(c, raw, &req) || req.SenderID.IsZero() {
			return
		}
		conv := conversationKey(w, user, req.SenderID)
		var ids []protocol.ID
		for _, m := range h.messages[conv] {
			if m.ReceiverID == user && !m.IsRead {
				m.IsRead = true
				ids = append(ids, m.ID)
			}
		}
		entry := h.entryLocked(w, user, req.SenderID)
		entry.count = 0
		if len(ids) > 0 {
			h.broadcastChatLocked(conv, protocol.ReadUpdate{Type: protocol.TypeReadUpdate, MessageIDs: ids})
		}
		h.pushSummaryLocked(w, user, req.SenderID)
	default:
		h.unsupported(c, kind)
	}
}

func (h *hub) handleChat(c *client, kind string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, user, peer := c.key.WorkspaceID, c.key.UserID, c.key.PeerID
	conv := conversationKey(w, user, peer)
	switch kind {
	case protocol.TypeFetchHistory:
		history := make([]protocol.Message, 0, len(h.messages[conv]))
		for _, m := range h.messages[conv] {
			history = append(history, *m)
		}
		c.enqueue(protocol.ChatHistory{Type: protocol.TypeChatHistory, Messages: history})
	case protocol.TypeChatMessage:
		var req protocol.SendChat
		if !decode(c, raw, &req) {
			return
		}
		text := strings.TrimSpace(req.Text)
		if text == "" {
			c.sendError("message text is empty")
			return
		}
		if req.ReceiverID != peer {
			c.sendError(fmt.Sprintf("receiver %s is not part of this conversation", req.ReceiverID))
			return
		}
		h.nextMessageID++
		msg := &protocol.Message{
			ID:         protocol.IDFromInt(h.nextMessageID),
			SenderID:   user,
			ReceiverID: peer,
			Text:       text,
			Timestamp:  h.clock.Now().UTC(),
		}
		h.messages[conv] = append(h.messages[conv], msg)
		h.broadcastChatLocked(conv, protocol.ChatMessageEvent{Type: protocol.TypeChatMessage, Message: *msg})

		received := h.entryLocked(w, peer, user)
		received.count++
		received.last, received.lastTime = text, msg.Timestamp
		sent := h.entryLocked(w, user, peer)
		sent.last, sent.lastTime = text, msg.Timestamp
		h.pushSummaryLocked(w, peer, user)
		h.pushSummaryLocked(w, user, peer)

		if !h.watchingLocked(conv, peer) {
			h.notifyLocked(peer, fmt.Sprintf("New message from %s", h.names(user)), &protocol.WorkspaceRef{ID: w})
		}
	case protocol.TypeMarkDelivered:
		var req protocol.MarkDelivered
		if !decode(c, raw, &req) {
			return
		}
		for _, m := range h.messages[conv] {
			if m.ID == req.MessageID && m.ReceiverID == user {
				m.IsDelivered = true
			}
		}
	case protocol.TypeMarkRead:
		var req protocol.MarkRead
		if !decode(c, raw, &req) {
			return
		}
		want := make(map[protocol.ID]bool, len(req.MessageIDs))
		for _, id := range req.MessageIDs {
			want[id] = true
		}
		var ids []protocol.ID
		for _, m := range h.messages[conv] {
			if want[m.ID] && m.ReceiverID == user && !m.IsRead {
				m.IsRead = true
				m.IsDelivered = true
				ids = append(ids, m.ID)
			}
		}
		if len(ids) == 0 {
			return
		}
		entry := h.entryLocked(w, user, peer)
		entry.count = max(0, entry.count-len(ids))
		h.broadcastChatLocked(conv, protocol.ReadUpdate{Type: protocol.TypeReadUpdate, MessageIDs: ids})
		h.pushSummaryLocked(w, user, peer)
	default:
		h.unsupported(c, kind)
	}
}

func (h *hub) handleNotifications(c *client, kind string) {
	if kind != protocol.TypeMarkRead {
		h.unsupported(c, kind)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	notices := h.notices[c.key.UserID]
	for i := range notices {
		notices[i].IsRead = true
	}
}

func (h *hub) handleCall(c *client, kind string, raw []byte) {
	var req protocol.CallSignal
	if !decode(c, raw, &req) {
		return
	}
	out := protocol.CallSignal{FromUserID: c.key.UserID, RoomID: req.RoomID}
	switch kind {
	case protocol.ActionCallUser:
		out.Action = protocol.ActionIncomingCall
		out.CallerName = req.CallerName
		if out.CallerName == "" {
			out.CallerName = h.names(c.key.UserID)
		}
	case protocol.ActionAcceptCall:
		out.Action = protocol.ActionCallAccepted
	case protocol.ActionDeclineCall:
		out.Action = protocol.ActionCallDeclined
	case protocol.ActionMissedCall:
		out.Action = protocol.ActionMissedCall
	default:
		h.unsupported(c, kind)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.calls[req.ToUserID] {
		peer.enqueue(out)
	}
}

// Notify stores a notification for user and pushes it to their open
// notification sockets.
func (h *hub) Notify(user protocol.ID, message string, workspace *protocol.WorkspaceRef) protocol.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notifyLocked(user, message, workspace)
}

func (h *hub) notifyLocked(user protocol.ID, message string, workspace *protocol.WorkspaceRef) protocol.Notification {
	h.nextNoticeID++
	n := protocol.Notification{
		ID:        protocol.IDFromInt(h.nextNoticeID),
		Message:   message,
		CreatedAt: h.clock.Now().UTC(),
		Workspace: workspace,
	}
	h.notices[user] = append([]protocol.Notification{n}, h.notices[user]...)
	frame := protocol.NotificationNew{
		Type:      protocol.TypeNew,
		ID:        n.ID,
		Message:   n.Message,
		Workspace: n.Workspace,
		CreatedAt: n.CreatedAt,
	}
	for c := range h.notifications[user] {
		c.enqueue(frame)
	}
	return n
}

func (h *hub) entryLocked(w, owner, counterpart protocol.ID) *unreadEntry {
	owners := h.unread[w]
	if owners == nil {
		owners = make(map[protocol.ID]map[protocol.ID]*unreadEntry)
		h.unread[w] = owners
	}
	entries := owners[owner]
	if entries == nil {
		entries = make(map[protocol.ID]*unreadEntry)
		owners[owner] = entries
	}
	entry := entries[counterpart]
	if entry == nil {
		entry = &unreadEntry{}
		entries[counterpart] = entry
	}
	return entry
}

func (h *hub) summaryLocked(w, owner protocol.ID) []protocol.SummaryEntry {
	entries := h.unread[w][owner]
	out := make([]protocol.SummaryEntry, 0, len(entries))
	for counterpart, e := range entries {
		out = append(out, toSummary(counterpart, e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].UserID.Less(out[j].UserID)
	})
	return out
}

func toSummary(counterpart protocol.ID, e *unreadEntry) protocol.SummaryEntry {
	return protocol.SummaryEntry{
		UserID:          counterpart,
		UnreadCount:     e.count,
		LastMessage:     e.last,
		LastMessageTime: e.lastTime,
	}
}

// pushSummaryLocked sends owner's entry for counterpart as an incremental
// update to owner's presence sockets in w.
func (h *hub) pushSummaryLocked(w, owner, counterpart protocol.ID) {
	set := h.presence[w][owner]
	if len(set) == 0 {
		return
	}
	frame := protocol.SummaryEvent{
		Type: protocol.TypeChatMessageUpdate,
		Data: []protocol.SummaryEntry{toSummary(counterpart, h.entryLocked(w, owner, counterpart))},
	}
	for c := range set {
		c.enqueue(frame)
	}
}

func (h *hub) broadcastChatLocked(conv string, frame any) {
	for c := range h.chats[conv] {
		c.enqueue(frame)
	}
}

func (h *hub) watchingLocked(conv string, user protocol.ID) bool {
	for c := range h.chats[conv] {
		if c.key.UserID == user {
			return true
		}
	}
	return false
}

func (h *hub) unsupported(c *client, kind string) {
	h.logger.Debug("unsupported frame", "kind", string(c.key.Kind), "type", kind)
	c.sendError(fmt.Sprintf("unsupported frame %q on %s socket", kind, c.key.Kind))
}

func decode(c *client, raw []byte, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.sendError("malformed frame: " + err.Error())
		return false
	}
	return true
}
