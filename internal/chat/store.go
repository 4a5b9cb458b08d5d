package chat

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageStore is the durable, append-ordered message log.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (*Message, error)
	Page(ctx context.Context, conversationID string, limit int, cursor string) (*MessagePage, error)
	// GetMessage returns one persisted message of the conversation.
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
}

// Directory is the canonical record of conversations and their participants.
type Directory interface {
	GetOrCreateOneToOne(ctx context.Context, userA, userB string) (*Conversation, error)
	CreateGroup(ctx context.Context, creatorID, name string, participantIDs []string) (*Conversation, error)
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) (*Conversation, error)
	// Get returns the conversation with UnreadCount relative to viewerID, which may be empty.
	Get(ctx context.Context, conversationID, viewerID string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, limit int, cursor string) (*ConversationPage, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	RecordLastMessage(ctx context.Context, conversationID string, summary Summary) error
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Store is a MessageStore and Directory sharing one transactional backend, so a
// one-to-one conversation and its first message can be created together.
type Store interface {
	MessageStore
	Directory
	StartOneToOne(ctx context.Context, in AppendInput, recipientID string) (*Conversation, *Message, error)
}

type Options struct {
	MaxContentLength     int
	PageSize             int
	MaxPageSize          int
	ConversationPageSize int
}

func (o Options) withDefaults() Options {
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = 2000
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
	if o.PageSize <= 0 || o.PageSize > o.MaxPageSize {
		o.PageSize = min(50, o.MaxPageSize)
	}
	if o.ConversationPageSize <= 0 || o.ConversationPageSize > o.MaxPageSize {
		o.ConversationPageSize = min(20, o.MaxPageSize)
	}
	return o
}

func validateAppend(in *AppendInput, opts Options) error {
	if strings.TrimSpace(in.Content) == "" {
		return &Error{Kind: KindValidation, Message: "content is empty", ConversationID: in.ConversationID}
	}
	if utf8.RuneCountInString(in.Content) > opts.MaxContentLength {
		return &Error{Kind: KindValidation, Message: "content is too long", ConversationID: in.ConversationID}
	}
	if in.Type == "" {
		in.Type = TypeText
	}
	if !in.Type.Valid() {
		return &Error{Kind: KindValidation, Message: "unknown message type", ConversationID: in.ConversationID}
	}
	if in.SenderID == "" {
		return Errorf(KindValidation, "sender is required")
	}
	return nil
}

// pairKey is order independent so (A,B) and (B,A) map to one conversation.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func validatePair(a, b string) error {
	if a == "" || b == "" {
		return Errorf(KindValidation, "both participants are required")
	}
	if a == b {
		return Errorf(KindValidation, "cannot start a conversation with yourself")
	}
	return nil
}

// groupMembers validates a group request and returns the creator plus the
// distinct participants, sorted.
func groupMembers(creatorID, name string, participantIDs []string) ([]string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, Errorf(KindValidation, "group name is required")
	}
	others := dedupe(participantIDs, creatorID)
	if len(others) < 2 {
		return nil, Errorf(KindValidation, "a group needs at least two participants besides the creator")
	}
	return dedupe(append(others, creatorID), ""), nil
}

// dedupe drops empty ids, the excluded id and duplicates, and sorts the rest.
func dedupe(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return min(def, ceiling)
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// now returns the store clock at the precision Postgres keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nextCreatedAt keeps createdAt non-decreasing within a conversation.
func nextCreatedAt(last time.Time) time.Time {
	t := now()
	if t.Before(last) {
		return last
	}
	return t
}
