package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publisher hands a confirmed message to the fan-out transport.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// UserDirectory is the external user service, queried by id only.
type UserDirectory interface {
	MissingUsers(ctx context.Context, ids []string) ([]string, error)
}

// ParticipantCache answers membership checks in front of the Directory.
type ParticipantCache interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Invalidate(ctx context.Context, conversationID string)
}

// Presence reports whether a user has at least one live connection.
type Presence interface {
	Online(userID string) bool
}

type ServiceConfig struct {
	SendTimeout    time.Duration
	SummaryTimeout time.Duration
}

type Service struct {
	store   Store
	users   UserDirectory
	members ParticipantCache
	online  Presence
	pub     Publisher
	log     *zap.Logger
	cfg     ServiceConfig

	summaries sync.WaitGroup
}

func NewService(store Store, users UserDirectory, pub Publisher, log *zap.Logger, cfg ServiceConfig) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 3 * time.Second
	}
	return &Service{
		store:   store,
		users:   users,
		members: directoryMembers{store},
		pub:     pub,
		log:     log.Named("chat"),
		cfg:     cfg,
	}
}

// UseParticipantCache routes membership checks through c.
func (s *Service) UseParticipantCache(c ParticipantCache) {
	s.members = c
}

// UsePresence fills the Online flag of conversations read through the service.
func (s *Service) UsePresence(p Presence) {
	s.online = p
}

type directoryMembers struct{ dir Directory }

func (d directoryMembers) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return d.dir.IsParticipant(ctx, conversationID, userID)
}

func (directoryMembers) Invalidate(context.Context, string) {}

// IsParticipant is the authorization gate used by the gateway's room joins.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := s.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, s.fail("participant lookup", WithConversation(err, conversationID))
	}
	return ok, nil
}

// Send persists a message and publishes the confirmed record. A failed append
// never publishes. Summary and publish failures are logged, not returned.
func (s *Service) Send(ctx context.Context, in AppendInput) (*Message, error) {
	appendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	msg, err := s.store.Append(appendCtx, in)
	if err != nil {
		return nil, s.fail("append", WithConversation(err, in.ConversationID))
	}
	s.recordSummary(msg)
	s.publish(ctx, msg)
	return msg, nil
}

// StartOneToOne creates or reuses the pair's conversation and appends the
// first message in one step.
func (s *Service) StartOneToOne(ctx context.Context, in AppendInput, recipientID string) (*Conversation, *Message, error) {
	if err := s.requireUsers(ctx, []string{recipientID}); err != nil {
		return nil, nil, err
	}
	appendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	conv, msg, err := s.store.StartOneToOne(appendCtx, in, recipientID)
	if err != nil {
		return nil, nil, s.fail("start conversation", err)
	}
	s.publish(ctx, msg)
	return conv, msg, nil
}

func (s *Service) CreateGroup(ctx context.Context, creatorID, name string, participantIDs []string) (*Conversation, error) {
	if err := s.requireUsers(ctx, participantIDs); err != nil {
		return nil, err
	}
	conv, err := s.store.CreateGroup(ctx, creatorID, name, participantIDs)
	if err != nil {
		return nil, s.fail("create group", err)
	}
	s.log.Info("👥 group created", zap.String("conversation_id", conv.ID), zap.Int("participants", len(conv.ParticipantIDs)))
	return conv, nil
}

// AddParticipants lets an existing member grow a group.
func (s *Service) AddParticipants(ctx context.Context, actorID, conversationID string, userIDs []string) (*Conversation, error) {
	if err := s.authorize(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	if len(dedupe(userIDs, "")) == 0 {
		return nil, &Error{Kind: KindValidation, Message: "no participants to add", ConversationID: conversationID}
	}
	if err := s.requireUsers(ctx, userIDs); err != nil {
		return nil, err
	}
	conv, err := s.store.AddParticipants(ctx, conversationID, userIDs)
	if err != nil {
		return nil, s.fail("add participants", err)
	}
	s.members.Invalidate(ctx, conversationID)
	return conv, nil
}

func (s *Service) Conversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	conv, err := s.store.Get(ctx, conversationID, userID)
	if err != nil {
		return nil, s.fail("get conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, &Error{Kind: KindAuthorization, Message: "not a participant", ConversationID: conversationID}
	}
	s.markOnline(conv, userID)
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string, limit int, cursor string) (*ConversationPage, error) {
	page, err := s.store.ListForUser(ctx, userID, limit, cursor)
	if err != nil {
		return nil, s.fail("list conversations", err)
	}
	for _, conv := range page.Conversations {
		s.markOnline(conv, userID)
	}
	return page, nil
}

// markOnline sets conv.Online when any participant other than viewer is connected.
func (s *Service) markOnline(conv *Conversation, viewer string) {
	if s.online == nil {
		return
	}
	for _, id := range conv.ParticipantIDs {
		if id != viewer && s.online.Online(id) {
			conv.Online = true
			return
		}
	}
}

// Message returns one message of a conversation the user belongs to.
func (s *Service) Message(ctx context.Context, userID, conversationID, messageID string) (*Message, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, s.fail("get message", WithConversation(err, conversationID))
	}
	return msg, nil
}

// History pages a conversation's messages, newest first.
func (s *Service) History(ctx context.Context, userID, conversationID string, limit int, cursor string) (*MessagePage, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	page, err := s.store.Page(ctx, conversationID, limit, cursor)
	if err != nil {
		return nil, s.fail("page", WithConversation(err, conversationID))
	}
	return page, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) error {
	if err := s.store.MarkRead(ctx, conversationID, userID); err != nil {
		return s.fail("mark read", WithConversation(err, conversationID))
	}
	return nil
}

// Wait blocks until in-flight summary updates finish.
func (s *Service) Wait() {
	s.summaries.Wait()
}

func (s *Service) authorize(ctx context.Context, conversationID, userID string) error {
	ok, err := s.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindAuthorization, Message: "not a participant", ConversationID: conversationID}
	}
	return nil
}

func (s *Service) requireUsers(ctx context.Context, ids []string) error {
	ids = dedupe(ids, "")
	if len(ids) == 0 || s.users == nil {
		return nil
	}
	missing, err := s.users.MissingUsers(ctx, ids)
	if err != nil {
		return s.fail("user lookup", StorageErr("user lookup", err))
	}
	if len(missing) > 0 {
		return Errorf(KindNotFound, "unknown user %s", missing[0])
	}
	return nil
}

// recordSummary updates the listing summary off the send path.
func (s *Service) recordSummary(msg *Message) {
	sum := msg.Summary()
	s.summaries.Add(1)
	go func() {
		defer s.summaries.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SummaryTimeout)
		defer cancel()
		if err := s.store.RecordLastMessage(ctx, msg.ConversationID, sum); err != nil {
			s.log.Warn("⚠️ last message summary not recorded",
				zap.String("conversation_id", msg.ConversationID),
				zap.Int64("seq", sum.Seq),
				zap.Error(err))
		}
	}()
}

func (s *Service) publish(ctx context.Context, msg *Message) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := s.pub.Publish(ctx, msg); err != nil {
		s.log.Error("❌ publish failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

// fail logs storage errors and passes every error through unchanged.
func (s *Service) fail(op string, err error) error {
	if KindOf(err) == KindStorage {
		s.log.Error("❌ storage error", zap.String("op", op), zap.Error(err))
	}
	return err
}
