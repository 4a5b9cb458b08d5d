package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-chat-core/internal/chat"

	"github.com/cespare/xxhash/v2"
)

// Sink receives encoded events for one connection. Deliver must not block; it
// reports false when the payload was dropped.
type Sink interface {
	Deliver(payload []byte) bool
}

// ParticipantChecker is the Directory's authorization gate.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type Member struct {
	ConnectionID string
	UserID       string
	JoinedAt     time.Time
	Sink         Sink
}

type connection struct {
	userID          string
	authenticatedAt time.Time
	sink            Sink
	rooms           map[string]struct{}
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Member
}

// Registry tracks live connections and the rooms each has joined. Rooms are
// sharded by conversation id; a shard lock is always taken before connsMu.
type Registry struct {
	checker ParticipantChecker
	shards  []*shard

	connsMu sync.RWMutex
	conns   map[string]*connection
}

func NewRegistry(checker ParticipantChecker, shards int) *Registry {
	if shards <= 0 {
		shards = 64
	}
	r := &Registry{
		checker: checker,
		shards:  make([]*shard, shards),
		conns:   make(map[string]*connection),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]map[string]*Member)}
	}
	return r
}

func (r *Registry) shardFor(conversationID string) *shard {
	return r.shards[xxhash.Sum64String(conversationID)%uint64(len(r.shards))]
}

// RegisterConnection records an authenticated connection.
func (r *Registry) RegisterConnection(userID, connectionID string, sink Sink) error {
	if userID == "" || connectionID == "" {
		return chat.Errorf(chat.KindValidation, "user and connection ids are required")
	}
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	if _, ok := r.conns[connectionID]; ok {
		return chat.Errorf(chat.KindValidation, "connection %s already registered", connectionID)
	}
	r.conns[connectionID] = &connection{
		userID:          userID,
		authenticatedAt: time.Now(),
		sink:            sink,
		rooms:           make(map[string]struct{}),
	}
	return nil
}

// UnregisterConnection drops the connection and every room it joined. Unknown
// ids are ignored.
func (r *Registry) UnregisterConnection(connectionID string) {
	r.connsMu.Lock()
	c, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.connsMu.Unlock()
	if !ok {
		return
	}

	// c is unreachable now, so its room set can be read without connsMu.
	for conversationID := range c.rooms {
		s := r.shardFor(conversationID)
		s.mu.Lock()
		removeMember(s, conversationID, connectionID)
		s.mu.Unlock()
	}
}

// JoinRoom adds the connection to the conversation's room after the Directory
// confirms its user is a participant. Joining twice is a no-op.
func (r *Registry) JoinRoom(ctx context.Context, connectionID, conversationID string) error {
	userID, ok := r.userOf(connectionID)
	if !ok {
		return &chat.Error{Kind: chat.KindAuthentication, Message: "connection is not authenticated", ConversationID: conversationID}
	}
	member, err := r.checker.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return chat.WithConversation(err, conversationID)
	}
	if !member {
		return &chat.Error{Kind: chat.KindAuthorization, Message: "not a participant", ConversationID: conversationID}
	}

	s := r.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.connsMu.Lock()
	c, ok := r.conns[connectionID]
	if ok {
		c.rooms[conversationID] = struct{}{}
	}
	r.connsMu.Unlock()
	if !ok {
		// Unregistered while the participant check ran.
		return &chat.Error{Kind: chat.KindAuthentication, Message: "connection closed", ConversationID: conversationID}
	}

	room := s.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Member)
		s.rooms[conversationID] = room
	}
	if _, ok := room[connectionID]; !ok {
		room[connectionID] = &Member{
			ConnectionID: connectionID,
			UserID:       c.userID,
			JoinedAt:     time.Now(),
			Sink:         c.sink,
		}
	}
	return nil
}

// LeaveRoom is idempotent.
func (r *Registry) LeaveRoom(connectionID, conversationID string) {
	s := r.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.connsMu.Lock()
	if c, ok := r.conns[connectionID]; ok {
		delete(c.rooms, conversationID)
	}
	r.connsMu.Unlock()

	removeMember(s, conversationID, connectionID)
}

func removeMember(s *shard, conversationID, connectionID string) {
	room := s.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(s.rooms, conversationID)
	}
}

// ConnectionsInRoom returns the joined connection ids, sorted.
func (r *Registry) ConnectionsInRoom(conversationID string) []string {
	s := r.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms[conversationID]))
	for id := range s.rooms[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members snapshots the room for fan-out.
func (r *Registry) Members(conversationID string) []Member {
	s := r.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.rooms[conversationID]
	out := make([]Member, 0, len(room))
	for _, m := range room {
		out = append(out, *m)
	}
	return out
}

func (r *Registry) userOf(connectionID string) (string, bool) {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return "", false
	}
	return c.userID, true
}

// UserConnections lists the live connections owned by userID.
func (r *Registry) UserConnections(userID string) []string {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	var ids []string
	for id, c := range r.conns {
		if c.userID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Online reports whether userID has at least one authenticated connection.
func (r *Registry) Online(userID string) bool {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	for _, c := range r.conns {
		if c.userID == userID {
			return true
		}
	}
	return false
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (r *Registry) Stats() Stats {
	var st Stats
	r.connsMu.RLock()
	st.Connections = len(r.conns)
	r.connsMu.RUnlock()
	for _, s := range r.shards {
		s.mu.RLock()
		st.Rooms += len(s.rooms)
		s.mu.RUnlock()
	}
	return st
}
