// Package summary keeps the per-counterpart unread count and last message
// preview shown next to each conversation, independent of which
// conversation is open.
package summary

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/pubsub"
)

// Sender writes frames on the presence socket.
type Sender interface {
	Send(v any) bool
}

// Entry is the summary of one conversation.
type Entry struct {
	CounterpartID   protocol.ID
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}

// Aggregator owns the summary map. Bulk refreshes replace the map,
// incremental pushes upsert into it, and opening a conversation zeroes its
// unread count before the server confirms.
type Aggregator struct {
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[protocol.ID]Entry
	selected   protocol.ID
	pendingAck map[protocol.ID]bool
	sender     Sender
	requested  bool

	updates pubsub.Topic[[]Entry]
}

// New creates an empty Aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger:     observability.OrDefault(logger).With("component", "summary"),
		entries:    make(map[protocol.ID]Entry),
		pendingAck: make(map[protocol.ID]bool),
	}
}

// Attach binds the aggregator to a newly opened presence socket and
// requests the bulk summary for it.
func (a *Aggregator) Attach(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.requested = false
	a.mu.Unlock()
	a.RequestBulk()
}

// Detach forgets the presence socket.
func (a *Aggregator) Detach(s Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sender == s {
		a.sender = nil
	}
}

// Reset drops every entry and the selection, as on a workspace change.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.entries = make(map[protocol.ID]Entry)
	a.pendingAck = make(map[protocol.ID]bool)
	a.selected = ""
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.updates.Publish(snapshot)
}

// RequestBulk sends get_unread_summary once per attached socket. It
// reports whether a request was written.
func (a *Aggregator) RequestBulk() bool {
	a.mu.Lock()
	sender := a.sender
	if sender == nil || a.requested {
		a.mu.Unlock()
		return false
	}
	a.requested = true
	a.mu.Unlock()

	if !sender.Send(protocol.GetUnreadSummary()) {
		a.mu.Lock()
		a.requested = false
		a.mu.Unlock()
		return false
	}
	return true
}

// ApplyBulk replaces the whole map with entries.
func (a *Aggregator) ApplyBulk(entries []protocol.SummaryEntry) {
	a.apply(entries, true)
}

// ApplyIncremental upserts entries by counterpart.
func (a *Aggregator) ApplyIncremental(entries []protocol.SummaryEntry) {
	a.apply(entries, false)
}

func (a *Aggregator) apply(entries []protocol.SummaryEntry, replace bool) {
	a.mu.Lock()
	if replace {
		a.entries = make(map[protocol.ID]Entry, len(entries))
	}
	var remark bool
	for _, e := range entries {
		if e.UserID.IsZero() {
			continue
		}
		entry := Entry{
			CounterpartID:   e.UserID,
			LastMessage:     e.LastMessage,
			LastMessageTime: e.LastMessageTime,
			UnreadCount:     max(e.UnreadCount, 0),
		}
		if entry.UnreadCount == 0 {
			delete(a.pendingAck, e.UserID)
		}
		if e.UserID == a.selected && entry.UnreadCount > 0 {
			// The open conversation stays read locally; ask again.
			entry.UnreadCount = 0
			a.pendingAck[e.UserID] = true
			remark = true
		}
		a.entries[e.UserID] = entry
	}
	selected := a.selected
	sender := a.sender
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	if remark {
		a.sendMarkRead(sender, selected)
	}
	a.updates.Publish(snapshot)
}

// Open selects counterpart, zeroes its unread count immediately and sends
// mark_read for it on the presence socket.
func (a *Aggregator) Open(counterpart protocol.ID) {
	if counterpart.IsZero() {
		return
	}
	a.mu.Lock()
	a.selected = counterpart
	if entry, ok := a.entries[counterpart]; ok {
		entry.UnreadCount = 0
		a.entries[counterpart] = entry
	}
	a.pendingAck[counterpart] = true
	sender := a.sender
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	a.sendMarkRead(sender, counterpart)
	a.updates.Publish(snapshot)
}

// Close clears the selection. Unread counts for the former selection
// follow the server again.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = ""
}

func (a *Aggregator) sendMarkRead(sender Sender, counterpart protocol.ID) {
	if sender == nil {
		a.logger.Debug("mark_read deferred, presence socket not connected", "sender_id", counterpart.String())
		return
	}
	sender.Send(protocol.NewMarkSenderRead(counterpart))
}

// Selected returns the open counterpart, if any.
func (a *Aggregator) Selected() protocol.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

// PendingAck reports whether a mark_read for counterpart has not yet been
// confirmed by a zero unread count from the server.
func (a *Aggregator) PendingAck(counterpart protocol.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingAck[counterpart]
}

// Entry returns the summary for counterpart.
func (a *Aggregator) Entry(counterpart protocol.ID) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[counterpart]
	return entry, ok
}

// Entries returns every entry, most recent activity first.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// TotalUnread sums the unread counts.
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, entry := range a.entries {
		total += entry.UnreadCount
	}
	return total
}

// Subscribe registers fn for snapshots published after every change.
func (a *Aggregator) Subscribe(fn func([]Entry)) func() {
	return a.updates.Subscribe(fn)
}

func (a *Aggregator) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(a.entries))
	for _, entry := range a.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].CounterpartID.Less(out[j].CounterpartID)
	})
	return out
}
