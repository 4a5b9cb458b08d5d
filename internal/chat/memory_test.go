package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(Options{MaxContentLength: 20})
}

func mustGroup(t *testing.T, s Store, creator string, others ...string) *Conversation {
	t.Helper()
	conv, err := s.CreateGroup(context.Background(), creator, "team", others)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return conv
}

func mustAppend(t *testing.T, s Store, convID, sender, content string) *Message {
	t.Helper()
	msg, err := s.Append(context.Background(), AppendInput{ConversationID: convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("Append(%q): %v", content, err)
	}
	return msg
}

func TestAppendAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob", "carol")

	msg, err := s.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "hello",
		ProvisionalID:  "tmp-1",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.ID == "" || msg.Seq != 1 || msg.Status != StatusPersisted || msg.Type != TypeText {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.ProvisionalID != "tmp-1" {
		t.Fatalf("provisional id not echoed: %q", msg.ProvisionalID)
	}
	if msg.CreatedAt.IsZero() || msg.CreatedAt.Location() != time.UTC {
		t.Fatalf("createdAt = %v, want a UTC timestamp", msg.CreatedAt)
	}

	page, err := s.Page(ctx, conv.ID, 10, "")
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != msg.ID {
		t.Fatalf("stored messages = %+v", page.Messages)
	}
	if page.Messages[0].ProvisionalID != "" {
		t.Fatal("provisional id must not be stored")
	}
	if page.NextCursor != nil {
		t.Fatal("single page must not have a cursor")
	}
}

func TestAppendRejects(t *testing.T) {
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob", "carol")

	tests := []struct {
		name string
		in   AppendInput
		want *Error
	}{
		{"empty content", AppendInput{ConversationID: conv.ID, SenderID: "alice"}, ErrValidation},
		{"blank content", AppendInput{ConversationID: conv.ID, SenderID: "alice", Content: "  \n"}, ErrValidation},
		{"too long", AppendInput{ConversationID: conv.ID, SenderID: "alice", Content: strings.Repeat("x", 21)}, ErrValidation},
		{"unknown type", AppendInput{ConversationID: conv.ID, SenderID: "alice", Content: "hi", Type: "VIDEO"}, ErrValidation},
		{"unknown conversation", AppendInput{ConversationID: "nope", SenderID: "alice", Content: "hi"}, ErrNotFound},
		{"not a participant", AppendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "hi"}, ErrAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want kind %s", err, tt.want.Kind)
			}
		})
	}

	page, _ := s.Page(context.Background(), conv.ID, 10, "")
	if len(page.Messages) != 0 {
		t.Fatalf("rejected appends left %d messages", len(page.Messages))
	}
}

func TestAppendMultibyteLength(t *testing.T) {
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob", "carol")
	// 20 runes, more than 20 bytes.
	mustAppend(t, s, conv.ID, "alice", strings.Repeat("é", 20))
}

func TestPageWalksHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob", "carol")
	for i := 0; i < 25; i++ {
		mustAppend(t, s, conv.ID, "alice", "m")
	}

	var seqs []int64
	cursor := ""
	var sizes []int
	for {
		page, err := s.Page(ctx, conv.ID, 10, cursor)
		if err != nil {
			t.Fatalf("Page: %v", err)
		}
		sizes = append(sizes, len(page.Messages))
		for _, m := range page.Messages {
			seqs = append(seqs, m.Seq)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	if want := []int{10, 10, 5}; !slices.Equal(sizes, want) {
		t.Fatalf("page sizes = %v, want %v", sizes, want)
	}
	if len(seqs) != 25 {
		t.Fatalf("got %d messages, want 25", len(seqs))
	}
	for i, seq := range seqs {
		if seq != int64(25-i) {
			t.Fatalf("position %d has seq %d, want %d", i, seq, 25-i)
		}
	}
}

func TestPageStableUnderAppends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob", "carol")
	for i := 0; i < 20; i++ {
		mustAppend(t, s, conv.ID, "bob", "m")
	}

	first, err := s.Page(ctx, conv.ID, 10, "")
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	for i := 0; i < 5; i++ {
		mustAppend(t, s, conv.ID, "carol", "late")
	}
	second, err := s.Page(ctx, conv.ID, 10, *first.NextCursor)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if got := second.Messages[0].Seq; got != 10 {
		t.Fatalf("second page starts at seq %d, want 10", got)
	}
	if second.NextCursor != nil {
		t.Fatal("history start must have a nil cursor")
	}
}

func TestPageErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob", "carol")

	if _, err := s.Page(ctx, conv.ID, 10, "%%%"); !errors.Is(err, ErrValidation) {
		t.Fatalf("malformed cursor: err = %v", err)
	}
	if _, err := s.Page(ctx, "missing", 10, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation: err = %v", err)
	}
}

func TestConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Options{})
	conv := mustGroup(t, s, "alice", "bob", "carol")

	const n = 100
	var wg sync.WaitGroup
	senders := []string{"alice", "bob", "carol"}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: senders[i%len(senders)], Content: "race"})
			if err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	page, err := s.Page(ctx, conv.ID, n, "")
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(page.Messages) != n {
		t.Fatalf("got %d messages, want %d", len(page.Messages), n)
	}
	ids := make(map[string]bool)
	for i, m := range page.Messages {
		if m.Seq != int64(n-i) {
			t.Fatalf("position %d has seq %d", i, m.Seq)
		}
		if ids[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		ids[m.ID] = true
		if i > 0 && m.CreatedAt.After(page.Messages[i-1].CreatedAt) {
			t.Fatalf("createdAt goes backwards at seq %d", m.Seq)
		}
	}
}

func TestGetOrCreateOneToOneIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := s.GetOrCreateOneToOne(ctx, a, b)
			if err != nil {
				t.Errorf("GetOrCreateOneToOne: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("pair resolved to several conversations: %v", ids)
		}
	}
	conv, _ := s.Get(ctx, ids[0], "")
	if conv.Type != OneToOne || len(conv.ParticipantIDs) != 2 {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	if _, err := s.GetOrCreateOneToOne(ctx, "alice", "alice"); !errors.Is(err, ErrValidation) {
		t.Fatalf("self conversation: err = %v", err)
	}
}

func TestStartOneToOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, msg, err := s.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: "hi bob", ProvisionalID: "p1"}, "bob")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	if msg.ConversationID != conv.ID || msg.Seq != 1 || msg.ProvisionalID != "p1" {
		t.Fatalf("unexpected first message %+v", msg)
	}
	if conv.LastMessage == nil || conv.LastMessage.MessageID != msg.ID {
		t.Fatalf("summary not set: %+v", conv.LastMessage)
	}

	again, second, err := s.StartOneToOne(ctx, AppendInput{SenderID: "bob", Content: "hey"}, "alice")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	if again.ID != conv.ID || second.Seq != 2 {
		t.Fatalf("pair not reused: %s vs %s, seq %d", again.ID, conv.ID, second.Seq)
	}

	if _, _, err := s.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: ""}, "carol"); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty first message: err = %v", err)
	}
	page, _ := s.ListForUser(ctx, "carol", 0, "")
	if len(page.Conversations) != 0 {
		t.Fatal("a failed start must not leave a conversation behind")
	}
}

func TestStartOneToOneRefreshesSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, _, err := s.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: "first"}, "bob")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	again, second, err := s.StartOneToOne(ctx, AppendInput{SenderID: "bob", Content: "second"}, "alice")
	if err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	if again.LastMessage == nil || again.LastMessage.MessageID != second.ID {
		t.Fatalf("returned summary = %+v, want message %s", again.LastMessage, second.ID)
	}

	got, err := s.Get(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastMessage == nil || got.LastMessage.Snippet != "second" || got.LastMessage.Seq != 2 {
		t.Fatalf("summary stale: %+v", got.LastMessage)
	}
	if got.UnreadCount != 2 {
		t.Fatalf("alice unread = %d, want 2", got.UnreadCount)
	}

	// The refreshed summary moves the conversation to the top of the listing.
	mustGroup(t, s, "alice", "carol")
	time.Sleep(2 * time.Millisecond)
	if _, _, err := s.StartOneToOne(ctx, AppendInput{SenderID: "alice", Content: "third"}, "bob"); err != nil {
		t.Fatalf("StartOneToOne: %v", err)
	}
	page, _ := s.ListForUser(ctx, "alice", 0, "")
	if len(page.Conversations) != 2 || page.Conversations[0].ID != conv.ID {
		t.Fatalf("one-to-one should lead the listing, got %d conversations", len(page.Conversations))
	}
}

func TestGetMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := mustGroup(t, s, "alice", "bob")
	other := mustGroup(t, s, "alice", "carol")
	first := mustAppend(t, s, conv.ID, "alice", "one")
	mustAppend(t, s, conv.ID, "bob", "two")

	got, err := s.GetMessage(ctx, conv.ID, first.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.ID != first.ID || got.Content != "one" || got.Seq != 1 || got.Status != StatusPersisted {
		t.Fatalf("got %+v", got)
	}

	for _, tc := range []struct {
		name, conv, msg string
	}{
		{"unknown message", conv.ID, "nope"},
		{"other conversation", other.ID, first.ID},
		{"unknown conversation", "missing", first.ID},
	} {
		if _, err := s.GetMessage(ctx, tc.conv, tc.msg); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: err = %v, want not found", tc.name, err)
		}
	}
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateGroup(ctx, "alice", "team", []string{"carol", "bob", "carol", "alice"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if want := []string{"alice", "bob", "carol"}; !slices.Equal(conv.ParticipantIDs, want) {
		t.Fatalf("participants = %v, want %v", conv.ParticipantIDs, want)
	}
	if conv.Type != Group || conv.GroupName != "team" || conv.LastMessage != nil {
		t.Fatalf("unexpected group %+v", conv)
	}

	tests := []struct {
		name    string
		group   string
		members []string
	}{
		{"empty name", " ", []string{"bob", "carol"}},
		{"one other", "g", []string{"bob"}},
		{"only creator and duplicates", "g", []string{"alice", "bob", "bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateGroup(ctx, "alice", tt.group, tt.members); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestAddParticipants(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	group := mustGroup(t, s, "alice", "bob", "carol")
	mustAppend(t, s, group.ID, "alice", "before dave")

	conv, err := s.AddParticipants(ctx, group.ID, []string{"dave", "bob"})
	if err != nil {
		t.Fatalf("AddParticipants: %v", err)
	}
	if len(conv.ParticipantIDs) != 4 {
		t.Fatalf("participants = %v", conv.ParticipantIDs)
	}
	if ok, _ := s.IsParticipant(ctx, group.ID, "dave"); !ok {
		t.Fatal("dave should be a participant")
	}
	viewed, _ := s.Get(ctx, group.ID, "dave")
	if viewed.UnreadCount != 0 {
		t.Fatalf("new member unread = %d, want 0", viewed.UnreadCount)
	}

	pair, _ := s.GetOrCreateOneToOne(ctx, "alice", "bob")
	if _, err := s.AddParticipants(ctx, pair.ID, []string{"carol"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("one-to-one additions: err = %v", err)
	}
}

func TestIsParticipant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	group := mustGroup(t, s, "alice", "bob", "carol")

	if ok, err := s.IsParticipant(ctx, group.ID, "bob"); !ok || err != nil {
		t.Fatalf("bob: (%v, %v)", ok, err)
	}
	if ok, err := s.IsParticipant(ctx, group.ID, "mallory"); ok || err != nil {
		t.Fatalf("mallory: (%v, %v)", ok, err)
	}
	if _, err := s.IsParticipant(ctx, "missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation: err = %v", err)
	}
}

func TestListForUserOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var convs []*Conversation
	for i := 0; i < 3; i++ {
		c := mustGroup(t, s, "alice", "bob", "carol")
		err := s.RecordLastMessage(ctx, c.ID, Summary{MessageID: "m", Seq: 1, Snippet: "x", SenderID: "bob", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		if err != nil {
			t.Fatalf("RecordLastMessage: %v", err)
		}
		convs = append(convs, c)
	}
	// The oldest conversation gets the newest message.
	s.RecordLastMessage(ctx, convs[0].ID, Summary{MessageID: "m2", Seq: 2, Snippet: "y", SenderID: "bob", CreatedAt: base.Add(5 * time.Hour)})
	mustGroup(t, s, "bob", "carol", "dave")

	first, err := s.ListForUser(ctx, "alice", 2, "")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if first.NextCursor == nil {
		t.Fatal("expected a second page")
	}
	second, err := s.ListForUser(ctx, "alice", 2, *first.NextCursor)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}

	var got []string
	for _, c := range append(first.Conversations, second.Conversations...) {
		got = append(got, c.ID)
	}
	want := []string{convs[0].ID, convs[2].ID, convs[1].ID}
	if !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if second.NextCursor != nil {
		t.Fatal("last page must have a nil cursor")
	}
}

func TestRecordLastMessageNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	group := mustGroup(t, s, "alice", "bob", "carol")
	m1 := mustAppend(t, s, group.ID, "alice", "one")
	m2 := mustAppend(t, s, group.ID, "bob", "two")

	s.RecordLastMessage(ctx, group.ID, m2.Summary())
	s.RecordLastMessage(ctx, group.ID, m1.Summary())

	conv, _ := s.Get(ctx, group.ID, "")
	if conv.LastMessage.MessageID != m2.ID {
		t.Fatalf("summary regressed to %s", conv.LastMessage.MessageID)
	}
}

func TestUnreadCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	group := mustGroup(t, s, "alice", "bob", "carol")
	for i := 0; i < 3; i++ {
		mustAppend(t, s, group.ID, "alice", "m")
	}

	page, _ := s.ListForUser(ctx, "bob", 0, "")
	if got := page.Conversations[0].UnreadCount; got != 3 {
		t.Fatalf("unread = %d, want 3", got)
	}
	if err := s.MarkRead(ctx, group.ID, "bob"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	mustAppend(t, s, group.ID, "alice", "m")
	conv, _ := s.Get(ctx, group.ID, "bob")
	if conv.UnreadCount != 1 {
		t.Fatalf("unread after mark = %d, want 1", conv.UnreadCount)
	}

	if err := s.MarkRead(ctx, group.ID, "mallory"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("outsider MarkRead: err = %v", err)
	}
}
