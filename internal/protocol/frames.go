// Package protocol defines the JSON frames exchanged on the presence, chat,
// notification and call sockets.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame discriminators carried in the "type" field.
const (
	TypeGetUnreadSummary  = "get_unread_summary"
	TypeCheckUser         = "check_user"
	TypeMarkRead          = "mark_read"
	TypePresence          = "presence"
	TypePresenceCheck     = "presence_check"
	TypeUnreadSummary     = "unread_summary"
	TypeChatMessageUpdate = "chat_message_update"

	TypeFetchHistory  = "fetch_history"
	TypeChatMessage   = "chat_message"
	TypeMarkDelivered = "mark_delivered"
	TypeChatHistory   = "chat_history"
	TypeReadUpdate    = "read_update"

	TypeInit = "init"
	TypeNew  = "new"

	// TypeError is sent by the relay when it rejects a frame.
	TypeError = "error"
)

// Call signaling discriminators carried in the "action" field.
const (
	ActionCallUser     = "call_user"
	ActionIncomingCall = "incoming_call"
	ActionMissedCall   = "missed_call"
	ActionAcceptCall   = "accept_call"
	ActionDeclineCall  = "decline_call"
	ActionCallAccepted = "call_accepted"
	ActionCallDeclined = "call_declined"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Header holds the discriminator fields common to every frame.
type Header struct {
	Type   string `json:"type,omitempty"`
	Action string `json:"action,omitempty"`
}

// Kind returns the frame discriminator, preferring type over action.
func (h Header) Kind() string {
	if h.Type != "" {
		return h.Type
	}
	return h.Action
}

// DecodeHeader reads only the discriminator fields of raw.
func DecodeHeader(raw []byte) (Header, error) {
	var h Header
	err := json.Unmarshal(raw, &h)
	return h, err
}

// Request is a frame with no payload besides its type.
type Request struct {
	Type string `json:"type"`
}

// CheckUser asks whether a user is online.
type CheckUser struct {
	Type   string `json:"type"`
	UserID ID     `json:"user_id"`
}

// MarkRead acknowledges reads. On the presence socket it carries the
// counterpart whose messages were read, on the chat socket the message
// ids, and on the notification socket nothing.
type MarkRead struct {
	Type       string `json:"type"`
	SenderID   ID     `json:"sender_id,omitempty"`
	MessageIDs []ID   `json:"message_ids,omitempty"`
}

// SendChat submits a new direct message.
type SendChat struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	ReceiverID ID     `json:"receiver_id"`
}

// MarkDelivered acknowledges delivery of one message.
type MarkDelivered struct {
	Type      string `json:"type"`
	MessageID ID     `json:"message_id"`
}

func GetUnreadSummary() Request { return Request{Type: TypeGetUnreadSummary} }

func FetchHistory() Request { return Request{Type: TypeFetchHistory} }

func NewCheckUser(userID ID) CheckUser {
	return CheckUser{Type: TypeCheckUser, UserID: userID}
}

func NewMarkSenderRead(senderID ID) MarkRead {
	return MarkRead{Type: TypeMarkRead, SenderID: senderID}
}

func NewMarkMessagesRead(ids []ID) MarkRead {
	return MarkRead{Type: TypeMarkRead, MessageIDs: ids}
}

func NewMarkAllRead() MarkRead {
	return MarkRead{Type: TypeMarkRead}
}

func NewSendChat(text string, receiverID ID) SendChat {
	return SendChat{Type: TypeChatMessage, Text: text, ReceiverID: receiverID}
}

func NewMarkDelivered(messageID ID) MarkDelivered {
	return MarkDelivered{Type: TypeMarkDelivered, MessageID: messageID}
}

// PresenceEvent reports a user's status.
type PresenceEvent struct {
	Type   string `json:"type"`
	UserID ID     `json:"user_id"`
	Status string `json:"status"`
}

// Online reports whether the status is online.
func (e PresenceEvent) Online() bool {
	return e.Status == StatusOnline
}

// NewPresence builds a presence or presence_check frame.
func NewPresence(typ string, userID ID, online bool) PresenceEvent {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	return PresenceEvent{Type: typ, UserID: userID, Status: status}
}

// SummaryEntry is the unread count and last message preview for one
// counterpart.
type SummaryEntry struct {
	UserID          ID        `json:"user_id"`
	UnreadCount     int       `json:"unread_count"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// SummaryEvent carries unread_summary (bulk) or chat_message_update
// (incremental) entries.
type SummaryEvent struct {
	Type string         `json:"type"`
	Data []SummaryEntry `json:"data"`
}

// Message is one direct message.
type Message struct {
	ID          ID        `json:"id"`
	SenderID    ID        `json:"sender_id"`
	ReceiverID  ID        `json:"receiver_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	IsDelivered bool      `json:"is_delivered"`
	IsRead      bool      `json:"is_read"`
}

// Equal reports whether m and other carry the same content and flags.
// Timestamps compare by instant, so the same moment parsed twice with a
// non-UTC offset is equal.
func (m Message) Equal(other Message) bool {
	return m.ID == other.ID &&
		m.SenderID == other.SenderID &&
		m.ReceiverID == other.ReceiverID &&
		m.Text == other.Text &&
		m.Timestamp.Equal(other.Timestamp) &&
		m.IsDelivered == other.IsDelivered &&
		m.IsRead == other.IsRead
}

// ChatHistory returns the stored conversation.
type ChatHistory struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// ChatMessageEvent pushes one new message.
type ChatMessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// ReadUpdate broadcasts that messages were read.
type ReadUpdate struct {
	Type       string `json:"type"`
	MessageIDs []ID   `json:"message_ids"`
}

// WorkspaceRef names the workspace a notification belongs to.
type WorkspaceRef struct {
	ID   ID     `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Notification is one entry of the notification list.
type Notification struct {
	ID        ID            `json:"id,omitempty"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
	IsRead    bool          `json:"is_read"`
	Workspace *WorkspaceRef `json:"workspace,omitempty"`
}

// NotificationInit seeds the notification list.
type NotificationInit struct {
	Type          string         `json:"type"`
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

// NotificationNew pushes a single notification.
type NotificationNew struct {
	Type      string        `json:"type"`
	ID        ID            `json:"id,omitempty"`
	Message   string        `json:"message"`
	Workspace *WorkspaceRef `json:"workspace,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
}

// CallSignal is a call signaling frame in either direction.
type CallSignal struct {
	Action     string `json:"action"`
	FromUserID ID     `json:"from_user_id,omitempty"`
	ToUserID   ID     `json:"to_user_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
}

// ErrorFrame reports a rejected frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
