package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) published() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Message(nil), p.msgs...)
}

type knownUsers map[string]bool

func (k knownUsers) MissingUsers(_ context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !k[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// slowStore never finishes an append before the caller's deadline.
type slowStore struct{ *MemoryStore }

func (s slowStore) Append(ctx context.Context, in AppendInput) (*Message, error) {
	<-ctx.Done()
	return nil, StorageErr("append", ctx.Err())
}

type brokenSummaries struct{ *MemoryStore }

func (brokenSummaries) RecordLastMessage(context.Context, string, Summary) error {
	return StorageErr("record last message", errors.New("connection reset"))
}

type countingCache struct {
	Directory
	mu          sync.Mutex
	invalidated []string
}

func (c *countingCache) Invalidate(_ context.Context, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, conversationID)
}

func newTestService(t *testing.T, store Store) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	users := knownUsers{"alice": true, "bob": true, "carol": true, "dave": true}
	svc := NewService(store, users, pub, zap.NewNop(), ServiceConfig{SendTimeout: 50 * time.Millisecond})
	return svc, pub
}

func TestSendPersistsThenPublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, pub := newTestService(t, store)
	group := mustGroup(t, store, "alice", "bob", "carol")

	msg, err := svc.Send(ctx, AppendInput{ConversationID: group.ID, SenderID: "bob", Content: "hi", ProvisionalID: "p-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	svc.Wait()

	got := pub.published()
	if len(got) != 1 || got[0].ID != msg.ID || got[0].ProvisionalID != "p-1" {
		t.Fatalf("published %+v", got)
	}
	conv, _ := store.Get(ctx, group.ID, "")
	if conv.LastMessage == nil || conv.LastMessage.MessageID != msg.ID {
		t.Fatalf("summary = %+v", conv.LastMessage)
	}
}

func TestSendFailureNeverPublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, pub := newTestService(t, store)
	group := mustGroup(t, store, "alice", "bob", "carol")

	_, err := svc.Send(ctx, AppendInput{ConversationID: group.ID, SenderID: "bob", Content: ""})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.ConversationID != group.ID {
		t.Fatalf("error not scoped to the conversation: %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatal("failed append must not publish")
	}
}

func TestSendTimeoutIsStorageError(t *testing.T) {
	store := NewMemoryStore(Options{})
	svc, pub := newTestService(t, slowStore{store})
	group := mustGroup(t, store, "alice", "bob", "carol")

	_, err := svc.Send(context.Background(), AppendInput{ConversationID: group.ID, SenderID: "bob", Content: "hi"})
	if !errors.Is(err, ErrStorage) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want a timed out storage error", err)
	}
	if len(pub.published()) != 0 {
		t.Fatal("timed out append must not publish")
	}
}

func TestSummaryFailureIsSwallowed(t *testing.T) {
	store := NewMemoryStore(Options{})
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &recordingPublisher{}
	svc := NewService(brokenSummaries{store}, nil, pub, zap.New(core), ServiceConfig{})
	group := mustGroup(t, store, "alice", "bob", "carol")

	if _, err := svc.Send(context.Background(), AppendInput{ConversationID: group.ID, SenderID: "alice", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	svc.Wait()

	if len(pub.published()) != 1 {
		t.Fatal("delivery must not depend on the summary")
	}
	if logs.FilterMessageSnippet("summary").Len() != 1 {
		t.Fatalf("summary failure not logged: %v", logs.All())
	}
}

func TestStartOneToOneUnknownRecipient(t *testing.T) {
	svc, pub := newTestService(t, NewMemoryStore(Options{}))

	_, _, err := svc.StartOneToOne(context.Background(), AppendInput{SenderID: "alice", Content: "hi"}, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if len(pub.published()) != 0 {
		t.Fatal("nothing should be published")
	}

	conv, msg, err := svc.StartOneToOne(context.Background(), AppendInput{SenderID: "alice", Content: "hi"}, "bob")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	if msg.ConversationID != conv.ID || len(pub.published()) != 1 {
		t.Fatal("first message should be published")
	}
}

func TestCreateGroupUnknownMember(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(Options{}))
	_, err := svc.CreateGroup(context.Background(), "alice", "g", []string{"bob", "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestHistoryAuthorization(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, _ := newTestService(t, store)
	group := mustGroup(t, store, "alice", "bob", "carol")
	mustAppend(t, store, group.ID, "alice", "secret")

	if _, err := svc.History(ctx, "dave", group.ID, 10, ""); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("outsider: err = %v", err)
	}
	if _, err := svc.History(ctx, "alice", "missing", 10, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation: err = %v", err)
	}
	page, err := svc.History(ctx, "bob", group.ID, 10, "")
	if err != nil || len(page.Messages) != 1 {
		t.Fatalf("member: (%v, %v)", page, err)
	}
	if _, err := svc.Conversation(ctx, "dave", group.ID); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("outsider details: err = %v", err)
	}
}

func TestAddParticipantsInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, _ := newTestService(t, store)
	cache := &countingCache{Directory: store}
	svc.UseParticipantCache(cache)
	group := mustGroup(t, store, "alice", "bob", "carol")

	if _, err := svc.AddParticipants(ctx, "dave", group.ID, []string{"dave"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("outsider adding: err = %v", err)
	}
	if _, err := svc.AddParticipants(ctx, "alice", group.ID, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty addition: err = %v", err)
	}
	if _, err := svc.AddParticipants(ctx, "alice", group.ID, []string{"dave"}); err != nil {
		t.Fatalf("AddParticipants: %v", err)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != group.ID {
		t.Fatalf("invalidated = %v", cache.invalidated)
	}
	if ok, _ := svc.IsParticipant(ctx, group.ID, "dave"); !ok {
		t.Fatal("dave should now be a participant")
	}
}

func TestStartOneToOneSummaryThroughService(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, pub := newTestService(t, store)

	conv, _, err := svc.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: "first"}, "bob")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	if _, _, err := svc.StartOneToOne(ctx, AppendInput{SenderID: "bob", Content: "second"}, "alice"); err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	svc.Wait()

	page, err := svc.ListConversations(ctx, "alice", 0, "")
	if err != nil || len(page.Conversations) != 1 {
		t.Fatalf("ListConversations: (%v, %v)", page, err)
	}
	got := page.Conversations[0]
	if got.ID != conv.ID || got.LastMessage == nil || got.LastMessage.Snippet != "second" {
		t.Fatalf("summary stale: %+v", got.LastMessage)
	}
	if n := len(pub.published()); n != 2 {
		t.Fatalf("published %d messages, want 2", n)
	}
}

func TestMessageByID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, _ := newTestService(t, store)
	group := mustGroup(t, store, "alice", "bob", "carol")
	msg := mustAppend(t, store, group.ID, "alice", "hello")

	got, err := svc.Message(ctx, "bob", group.ID, msg.ID)
	if err != nil || got.ID != msg.ID || got.Content != "hello" {
		t.Fatalf("member: (%+v, %v)", got, err)
	}
	if _, err := svc.Message(ctx, "dave", group.ID, msg.ID); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("outsider: err = %v", err)
	}
	_, err = svc.Message(ctx, "bob", group.ID, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown message: err = %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.ConversationID != group.ID {
		t.Fatalf("error should carry the conversation id: %v", err)
	}
}

type onlineUsers map[string]bool

func (o onlineUsers) Online(userID string) bool { return o[userID] }

func TestOnlineFlag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	svc, _ := newTestService(t, store)
	withBob, _, err := store.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: "hi"}, "bob")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	withCarol, _, err := store.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: "hi"}, "carol")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}

	conv, err := svc.Conversation(ctx, "alice", withBob.ID)
	if err != nil || conv.Online {
		t.Fatalf("without presence nobody is online: (%+v, %v)", conv, err)
	}

	// alice's own connection never counts.
	svc.UsePresence(onlineUsers{"alice": true, "bob": true})
	conv, err = svc.Conversation(ctx, "alice", withBob.ID)
	if err != nil || !conv.Online {
		t.Fatalf("bob is online: (%+v, %v)", conv, err)
	}
	conv, err = svc.Conversation(ctx, "carol", withCarol.ID)
	if err != nil || !conv.Online {
		t.Fatalf("alice is online for carol: (%+v, %v)", conv, err)
	}

	page, err := svc.ListConversations(ctx, "alice", 0, "")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	online := map[string]bool{}
	for _, c := range page.Conversations {
		online[c.ID] = c.Online
	}
	if !online[withBob.ID] || online[withCarol.ID] {
		t.Fatalf("online = %v", online)
	}
}
