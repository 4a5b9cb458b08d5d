// Package protocol is the websocket wire schema shared by the gateway, the
// load generator and client-side reconciliation.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"go-chat-core/internal/chat"
)

type Event string

const (
	// Client -> Server
	EventAuthenticate      Event = "authenticate"
	EventOpenConversation  Event = "open-conversation"
	EventLeaveConversation Event = "leave-conversation"
	EventSendMessage       Event = "send-message"

	// Server -> Client
	EventAuthenticated     Event = "authenticated"
	EventJoinConfirmation  Event = "join-confirmation"
	EventLeaveConfirmation Event = "leave-confirmation"
	EventNewMessage        Event = "new-message"
	EventError             Event = "error"
)

// Envelope frames every event in both directions.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Authenticate struct {
	Token string `json:"token"`
}

type Authenticated struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// ConversationRef carries open/leave requests and their confirmations.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID      string           `json:"conversationId"`
	Content             string           `json:"content"`
	Type                chat.MessageType `json:"type"`
	ClientProvisionalID string           `json:"clientProvisionalId,omitempty"`
}

// NewMessage is the confirmed message as broadcast to a room.
type NewMessage struct {
	MessageID           string           `json:"messageId"`
	ConversationID      string           `json:"conversationId"`
	SenderID            string           `json:"senderId"`
	Content             string           `json:"content"`
	Type                chat.MessageType `json:"type"`
	Seq                 int64            `json:"seq"`
	CreatedAt           time.Time        `json:"createdAt"`
	ClientProvisionalID string           `json:"clientProvisionalId,omitempty"`
}

func FromMessage(m *chat.Message) NewMessage {
	return NewMessage{
		MessageID:           m.ID,
		ConversationID:      m.ConversationID,
		SenderID:            m.SenderID,
		Content:             m.Content,
		Type:                m.Type,
		Seq:                 m.Seq,
		CreatedAt:           m.CreatedAt,
		ClientProvisionalID: m.ProvisionalID,
	}
}

type Error struct {
	Kind           chat.Kind `json:"kind"`
	Message        string    `json:"message"`
	ConversationID string    `json:"conversationId,omitempty"`
}

// ErrorFrom renders any error as an error event payload.
func ErrorFrom(err error, conversationID string) Error {
	e := chat.WithConversation(err, conversationID)
	if e.ConversationID == "" {
		e.ConversationID = conversationID
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	return Error{Kind: e.Kind, Message: msg, ConversationID: e.ConversationID}
}

func Encode(event Event, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MustEncode is for payloads that always marshal.
func MustEncode(event Event, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

func Decode(frame []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, chat.Errorf(chat.KindValidation, "malformed frame")
	}
	if env.Event == "" {
		return nil, chat.Errorf(chat.KindValidation, "event is required")
	}
	return env, nil
}

// Bind decodes an envelope's payload into v.
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return chat.Errorf(chat.KindValidation, "%s: payload is required", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return chat.Errorf(chat.KindValidation, "%s: malformed payload", e.Event)
	}
	return nil
}
