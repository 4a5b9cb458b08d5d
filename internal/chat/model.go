package chat

import (
	"time"
	"unicode/utf8"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type ConversationType string

const (
	OneToOne ConversationType = "ONE_TO_ONE"
	Group    ConversationType = "GROUP"
)

type MessageType string

const (
	TypeText   MessageType = "TEXT"
	TypeCall   MessageType = "CALL"
	TypeSystem MessageType = "SYSTEM"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeCall, TypeSystem:
		return true
	}
	return false
}

// StatusPersisted is the only status a message has server-side.
const StatusPersisted = "PERSISTED"

// snippetLength bounds the content copied into a conversation's summary.
const snippetLength = 100

type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	ParticipantIDs []string         `json:"participantIds"`
	GroupName      string           `json:"groupName,omitempty"`
	CreatedBy      string           `json:"createdBy,omitempty"`
	LastMessage    *Summary         `json:"lastMessage,omitempty"`
	LastSeq        int64            `json:"lastSeq"`
	UnreadCount    int64            `json:"unreadCount"` // 🟢 Relative to the caller of the listing
	Online         bool             `json:"online"`      // Another participant has a live connection
	CreatedAt      time.Time        `json:"createdAt"`
}

// ActivityAt is the listing key: last message time, or creation time for silent groups.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Summary is the denormalized "last message" shown in listings.
type Summary struct {
	MessageID string    `json:"messageId"`
	Seq       int64     `json:"seq"`
	Snippet   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID             string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Seq            int64       `json:"seq"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`

	// ProvisionalID is echoed once in the confirmation of the send that created
	// the message. Stores never persist it.
	ProvisionalID string `json:"clientProvisionalId,omitempty"`
}

// Summary builds the listing summary for m.
func (m *Message) Summary() Summary {
	return Summary{
		MessageID: m.ID,
		Seq:       m.Seq,
		Snippet:   snippet(m.Content),
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	r := []rune(s)
	return string(r[:snippetLength])
}

type MessagePage struct {
	Messages   []*Message `json:"messages"`
	NextCursor *string    `json:"nextCursor"`
}

type ConversationPage struct {
	Conversations []*Conversation `json:"conversations"`
	NextCursor    *string         `json:"nextCursor"`
}

// AppendInput is what the store needs to persist one message.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	ProvisionalID  string
}
