package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memConversation struct {
	// mu serializes appends, which fixes the conversation's order.
	mu       sync.Mutex
	conv     Conversation
	lastRead map[string]int64
	messages []*Message
}

// MemoryStore keeps everything in process. It backs the memory driver and tests.
type MemoryStore struct {
	opts Options

	mu            sync.RWMutex
	conversations map[string]*memConversation
	pairs         map[string]string
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:          opts.withDefaults(),
		conversations: make(map[string]*memConversation),
		pairs:         make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) lookup(id string) (*memConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Message: "conversation not found", ConversationID: id}
	}
	return c, nil
}

func newMemConversation(conv Conversation) *memConversation {
	c := &memConversation{conv: conv, lastRead: make(map[string]int64)}
	for _, id := range conv.ParticipantIDs {
		c.lastRead[id] = 0
	}
	return c
}

// snapshot copies the conversation as seen by viewer. Callers hold c.mu.
func (c *memConversation) snapshot(viewer string) *Conversation {
	cp := c.conv
	cp.ParticipantIDs = append([]string(nil), c.conv.ParticipantIDs...)
	if c.conv.LastMessage != nil {
		sum := *c.conv.LastMessage
		cp.LastMessage = &sum
	}
	if read, ok := c.lastRead[viewer]; ok {
		cp.UnreadCount = cp.LastSeq - read
	}
	return &cp
}

// appendLocked persists one message. Callers hold c.mu and have validated in.
func (c *memConversation) appendLocked(in AppendInput) (*Message, error) {
	if _, ok := c.lastRead[in.SenderID]; !ok {
		return nil, &Error{Kind: KindAuthorization, Message: "sender is not a participant", ConversationID: c.conv.ID}
	}
	var last Message
	if n := len(c.messages); n > 0 {
		last = *c.messages[n-1]
	}
	msg := &Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.conv.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		Seq:            c.conv.LastSeq + 1,
		Status:         StatusPersisted,
		CreatedAt:      nextCreatedAt(last.CreatedAt),
	}
	c.messages = append(c.messages, msg)
	c.conv.LastSeq = msg.Seq

	out := *msg
	out.ProvisionalID = in.ProvisionalID
	return &out, nil
}

func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (*Message, error) {
	if err := validateAppend(&in, s.opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, StorageErr("append", err)
	}
	c, err := s.lookup(in.ConversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(in)
}

func (s *MemoryStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.ID == messageID {
			out := *m
			return &out, nil
		}
	}
	return nil, &Error{Kind: KindNotFound, Message: "message not found", ConversationID: conversationID}
}

func (s *MemoryStore) Page(ctx context.Context, conversationID string, limit int, cursor string) (*MessagePage, error) {
	cur, err := decodeMessageCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, s.opts.PageSize, s.opts.MaxPageSize)
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	msgs := c.messages
	c.mu.Unlock()

	end := len(msgs)
	if cur != nil {
		end = sort.Search(len(msgs), func(i int) bool {
			return !cur.before(msgs[i].CreatedAt, msgs[i].Seq)
		})
	}
	start := max(0, end-limit)

	page := &MessagePage{Messages: make([]*Message, 0, end-start)}
	for i := end - 1; i >= start; i-- {
		m := *msgs[i]
		page.Messages = append(page.Messages, &m)
	}
	if start > 0 {
		oldest := msgs[start]
		page.NextCursor = encodeCursor(messageCursor{CreatedAt: oldest.CreatedAt, Seq: oldest.Seq})
	}
	return page, nil
}

func (s *MemoryStore) GetOrCreateOneToOne(ctx context.Context, userA, userB string) (*Conversation, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	key := pairKey(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[key]; ok {
		c := s.conversations[id]
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.snapshot(userA), nil
	}
	c := s.insertOneToOneLocked(userA, userB, key)
	return c.snapshot(userA), nil
}

func (s *MemoryStore) insertOneToOneLocked(userA, userB, key string) *memConversation {
	c := newMemConversation(Conversation{
		ID:             uuid.NewString(),
		Type:           OneToOne,
		ParticipantIDs: dedupe([]string{userA, userB}, ""),
		CreatedBy:      userA,
		CreatedAt:      now(),
	})
	s.conversations[c.conv.ID] = c
	s.pairs[key] = c.conv.ID
	return c
}

func (s *MemoryStore) StartOneToOne(ctx context.Context, in AppendInput, recipientID string) (*Conversation, *Message, error) {
	if err := validatePair(in.SenderID, recipientID); err != nil {
		return nil, nil, err
	}
	if err := validateAppend(&in, s.opts); err != nil {
		return nil, nil, err
	}
	key := pairKey(in.SenderID, recipientID)

	if err := ctx.Err(); err != nil {
		return nil, nil, StorageErr("start conversation", err)
	}

	s.mu.Lock()
	if id, ok := s.pairs[key]; ok {
		c := s.conversations[id]
		s.mu.Unlock()
		c.mu.Lock()
		defer c.mu.Unlock()
		in.ConversationID = id
		msg, err := c.appendLocked(in)
		if err != nil {
			return nil, nil, err
		}
		c.recordLocked(msg.Summary())
		return c.snapshot(in.SenderID), msg, nil
	}
	defer s.mu.Unlock()

	// The conversation stays invisible until s.mu is released, by which time
	// its first message exists.
	c := s.insertOneToOneLocked(in.SenderID, recipientID, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	in.ConversationID = c.conv.ID
	msg, err := c.appendLocked(in)
	if err != nil {
		delete(s.conversations, c.conv.ID)
		delete(s.pairs, key)
		return nil, nil, err
	}
	c.recordLocked(msg.Summary())
	return c.snapshot(in.SenderID), msg, nil
}

func (s *MemoryStore) CreateGroup(ctx context.Context, creatorID, name string, participantIDs []string) (*Conversation, error) {
	members, err := groupMembers(creatorID, name, participantIDs)
	if err != nil {
		return nil, err
	}
	c := newMemConversation(Conversation{
		ID:             uuid.NewString(),
		Type:           Group,
		ParticipantIDs: members,
		GroupName:      name,
		CreatedBy:      creatorID,
		CreatedAt:      now(),
	})

	s.mu.Lock()
	s.conversations[c.conv.ID] = c
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(creatorID), nil
}

func (s *MemoryStore) AddParticipants(ctx context.Context, conversationID string, userIDs []string) (*Conversation, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv.Type != Group {
		return nil, &Error{Kind: KindValidation, Message: "participants can only be added to groups", ConversationID: conversationID}
	}
	for _, id := range dedupe(userIDs, "") {
		if _, ok := c.lastRead[id]; ok {
			continue
		}
		c.lastRead[id] = c.conv.LastSeq
		c.conv.ParticipantIDs = append(c.conv.ParticipantIDs, id)
	}
	sort.Strings(c.conv.ParticipantIDs)
	return c.snapshot(""), nil
}

func (s *MemoryStore) Get(ctx context.Context, conversationID, viewerID string) (*Conversation, error) {
	return s.get(conversationID, viewerID)
}

func (s *MemoryStore) get(conversationID, viewer string) (*Conversation, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(viewer), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string, limit int, cursor string) (*ConversationPage, error) {
	cur, err := decodeConversationCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, s.opts.ConversationPageSize, s.opts.MaxPageSize)

	s.mu.RLock()
	var all []*Conversation
	for _, c := range s.conversations {
		c.mu.Lock()
		if _, ok := c.lastRead[userID]; ok {
			all = append(all, c.snapshot(userID))
		}
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		ti, tj := all[i].ActivityAt(), all[j].ActivityAt()
		if ti.Equal(tj) {
			return all[i].ID > all[j].ID
		}
		return ti.After(tj)
	})

	page := &ConversationPage{Conversations: []*Conversation{}}
	for _, conv := range all {
		if cur != nil && !cur.before(conv.ActivityAt(), conv.ID) {
			continue
		}
		if len(page.Conversations) == limit {
			last := page.Conversations[limit-1]
			page.NextCursor = encodeCursor(conversationCursor{ActivityAt: last.ActivityAt(), ID: last.ID})
			break
		}
		page.Conversations = append(page.Conversations, conv)
	}
	return page, nil
}

func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lastRead[userID]
	return ok, nil
}

func (s *MemoryStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.conv.ParticipantIDs...), nil
}

func (s *MemoryStore) RecordLastMessage(ctx context.Context, conversationID string, summary Summary) error {
	c, err := s.lookup(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(summary)
	return nil
}

// recordLocked keeps the newest summary. Summaries may arrive out of order, so
// it never moves backwards.
func (c *memConversation) recordLocked(summary Summary) {
	if c.conv.LastMessage == nil || summary.Seq > c.conv.LastMessage.Seq {
		c.conv.LastMessage = &summary
	}
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	c, err := s.lookup(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lastRead[userID]; !ok {
		return &Error{Kind: KindAuthorization, Message: "not a participant", ConversationID: conversationID}
	}
	c.lastRead[userID] = c.conv.LastSeq
	return nil
}
