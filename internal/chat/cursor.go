package chat

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// messageCursor points at the oldest message of the previous page.
type messageCursor struct {
	CreatedAt time.Time `json:"t"`
	Seq       int64     `json:"s"`
}

// conversationCursor points at the last conversation of the previous page.
type conversationCursor struct {
	ActivityAt time.Time `json:"t"`
	ID         string    `json:"id"`
}

func encodeCursor(v any) *string {
	b, _ := json.Marshal(v)
	s := base64.RawURLEncoding.EncodeToString(b)
	return &s
}

func decodeCursor(s string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Errorf(KindValidation, "malformed cursor")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return Errorf(KindValidation, "malformed cursor")
	}
	return nil
}

func decodeMessageCursor(s string) (*messageCursor, error) {
	if s == "" {
		return nil, nil
	}
	c := &messageCursor{}
	if err := decodeCursor(s, c); err != nil {
		return nil, err
	}
	if c.Seq <= 0 {
		return nil, Errorf(KindValidation, "malformed cursor")
	}
	return c, nil
}

func decodeConversationCursor(s string) (*conversationCursor, error) {
	if s == "" {
		return nil, nil
	}
	c := &conversationCursor{}
	if err := decodeCursor(s, c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, Errorf(KindValidation, "malformed cursor")
	}
	return c, nil
}

// before reports whether a message keyed (t, seq) is strictly older than c.
func (c *messageCursor) before(t time.Time, seq int64) bool {
	if t.Equal(c.CreatedAt) {
		return seq < c.Seq
	}
	return t.Before(c.CreatedAt)
}

func (c *conversationCursor) before(t time.Time, id string) bool {
	if t.Equal(c.ActivityAt) {
		return id < c.ID
	}
	return t.Before(c.ActivityAt)
}
