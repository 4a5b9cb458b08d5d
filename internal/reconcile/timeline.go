// Package reconcile merges a client's optimistic sends with the confirmed
// messages the server broadcasts.
package reconcile

import (
	"sync"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/protocol"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

type Entry struct {
	ProvisionalID  string
	MessageID      string
	ConversationID string
	SenderID       string
	Content        string
	Type           chat.MessageType
	Seq            int64
	CreatedAt      time.Time
	Status         Status
}

// Timeline is one client's view of a conversation. Entries keep their
// position once added; confirmation rewrites an entry in place.
type Timeline struct {
	mu          sync.Mutex
	entries     []Entry
	provisional map[string]int
	known       map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{
		provisional: make(map[string]int),
		known:       make(map[string]struct{}),
	}
}

// AddPending renders an optimistic entry and returns its fresh provisional id.
func (t *Timeline) AddPending(conversationID, senderID, content string, typ chat.MessageType) string {
	id := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provisional[id] = len(t.entries)
	t.entries = append(t.entries, Entry{
		ProvisionalID:  id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	})
	return id
}

// Confirm applies a confirmed message. A matching provisional entry is replaced
// in place, anything else is appended, and an already known message id is
// ignored. It reports whether the timeline changed.
func (t *Timeline) Confirm(m protocol.NewMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.known[m.MessageID]; ok {
		return false
	}
	t.known[m.MessageID] = struct{}{}

	confirmed := Entry{
		ProvisionalID:  m.ClientProvisionalID,
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           m.Type,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
		Status:         StatusConfirmed,
	}
	if i, ok := t.provisional[m.ClientProvisionalID]; ok && m.ClientProvisionalID != "" {
		delete(t.provisional, m.ClientProvisionalID)
		t.entries[i] = confirmed
		return true
	}
	t.entries = append(t.entries, confirmed)
	return true
}

// Fail marks a pending entry as failed. The entry stays until retried.
func (t *Timeline) Fail(provisionalID string) bool {
	return t.setStatus(provisionalID, StatusPending, StatusFailed)
}

// Retry puts a failed entry back to pending so it can be resent with the same
// provisional id.
func (t *Timeline) Retry(provisionalID string) bool {
	return t.setStatus(provisionalID, StatusFailed, StatusPending)
}

func (t *Timeline) setStatus(provisionalID string, from, to Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.provisional[provisionalID]
	if !ok || t.entries[i].Status != from {
		return false
	}
	t.entries[i].Status = to
	return true
}

func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Count returns how many entries are in status s.
func (t *Timeline) Count(s Status) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Status == s {
			n++
		}
	}
	return n
}
