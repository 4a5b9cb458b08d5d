package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres Store. Ids are TEXT so opaque external user ids
// and malformed conversation ids are plain lookups.
type Repository struct {
	db   *sql.DB
	opts Options
}

func NewRepository(db *sql.DB, opts Options) *Repository {
	return &Repository{db: db, opts: opts.withDefaults()}
}

var _ Store = (*Repository)(nil)

func (r *Repository) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return StorageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return StorageErr(op, err)
	}
	return nil
}

func (r *Repository) Append(ctx context.Context, in AppendInput) (*Message, error) {
	if err := validateAppend(&in, r.opts); err != nil {
		return nil, err
	}
	var msg *Message
	err := r.withTx(ctx, "append", func(tx *sql.Tx) error {
		var err error
		msg, err = appendTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// appendTx takes the conversation row lock, which serializes appends and hands
// out the next gap-free sequence number.
func appendTx(ctx context.Context, tx *sql.Tx, in AppendInput) (*Message, error) {
	var ok bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		in.ConversationID, in.SenderID).Scan(&ok)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		Status:         StatusPersisted,
	}
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_seq = last_seq + 1,
		    last_created_at = GREATEST(COALESCE(last_created_at, $2), $2)
		WHERE id = $1
		RETURNING last_seq, last_created_at`,
		in.ConversationID, now()).Scan(&msg.Seq, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: KindNotFound, Message: "conversation not found", ConversationID: in.ConversationID}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &Error{Kind: KindAuthorization, Message: "sender is not a participant", ConversationID: in.ConversationID}
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ProvisionalID = in.ProvisionalID
	return msg, nil
}

func (r *Repository) Page(ctx context.Context, conversationID string, limit int, cursor string) (*MessagePage, error) {
	cur, err := decodeMessageCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, r.opts.PageSize, r.opts.MaxPageSize)

	if err := r.mustExist(ctx, conversationID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, conversation_id, sender_id, content, type, seq, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`
	args := []any{conversationID, limit + 1}
	if cur != nil {
		query = `
		SELECT id, conversation_id, sender_id, content, type, seq, created_at
		FROM messages
		WHERE conversation_id = $1 AND (created_at, seq) < ($3::timestamptz, $4::bigint)
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`
		args = append(args, cur.CreatedAt, cur.Seq)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, StorageErr("page", err)
	}
	defer rows.Close()

	page := &MessagePage{Messages: make([]*Message, 0, limit)}
	for rows.Next() {
		m := &Message{Status: StatusPersisted}
		var typ string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.Seq, &m.CreatedAt); err != nil {
			return nil, StorageErr("page", err)
		}
		m.Type = MessageType(typ)
		m.CreatedAt = m.CreatedAt.UTC()
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageErr("page", err)
	}

	// One extra row tells us whether older history remains.
	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		oldest := page.Messages[limit-1]
		page.NextCursor = encodeCursor(messageCursor{CreatedAt: oldest.CreatedAt, Seq: oldest.Seq})
	}
	return page, nil
}

func (r *Repository) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	m := &Message{Status: StatusPersisted}
	var typ string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, type, seq, created_at
		FROM messages
		WHERE conversation_id = $1 AND id = $2`, conversationID, messageID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.Seq, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.mustExist(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, &Error{Kind: KindNotFound, Message: "message not found", ConversationID: conversationID}
	}
	if err != nil {
		return nil, StorageErr("get message", err)
	}
	m.Type = MessageType(typ)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (r *Repository) mustExist(ctx context.Context, conversationID string) error {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&ok)
	if err != nil {
		return StorageErr("lookup", err)
	}
	if !ok {
		return &Error{Kind: KindNotFound, Message: "conversation not found", ConversationID: conversationID}
	}
	return nil
}

func (r *Repository) GetOrCreateOneToOne(ctx context.Context, userA, userB string) (*Conversation, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	var id string
	err := r.withTx(ctx, "create conversation", func(tx *sql.Tx) error {
		var err error
		id, err = oneToOneTx(ctx, tx, userA, userB)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.get(ctx, id, userA)
}

// oneToOneTx finds or creates the conversation for the unordered pair. The
// unique pair_key makes concurrent creators converge on one row.
func oneToOneTx(ctx context.Context, tx *sql.Tx, userA, userB string) (string, error) {
	key := pairKey(userA, userB)
	id := uuid.NewString()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, pair_key, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pair_key) DO NOTHING`,
		id, string(OneToOne), key, userA, now())
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := insertParticipants(ctx, tx, id, []string{userA, userB}, 0); err != nil {
			return "", err
		}
		return id, nil
	}
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = $1`, key).Scan(&id)
	return id, err
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID string, userIDs []string, lastRead int64) error {
	for _, uid := range userIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, last_read_seq, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conversationID, uid, lastRead, now())
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) StartOneToOne(ctx context.Context, in AppendInput, recipientID string) (*Conversation, *Message, error) {
	if err := validatePair(in.SenderID, recipientID); err != nil {
		return nil, nil, err
	}
	if err := validateAppend(&in, r.opts); err != nil {
		return nil, nil, err
	}
	var msg *Message
	err := r.withTx(ctx, "start conversation", func(tx *sql.Tx) error {
		id, err := oneToOneTx(ctx, tx, in.SenderID, recipientID)
		if err != nil {
			return err
		}
		in.ConversationID = id
		if msg, err = appendTx(ctx, tx, in); err != nil {
			return err
		}
		return recordLastMessage(ctx, tx, id, msg.Summary())
	})
	if err != nil {
		return nil, nil, err
	}
	conv, err := r.get(ctx, msg.ConversationID, in.SenderID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msg, nil
}

func (r *Repository) CreateGroup(ctx context.Context, creatorID, name string, participantIDs []string) (*Conversation, error) {
	members, err := groupMembers(creatorID, name, participantIDs)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	err = r.withTx(ctx, "create group", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, group_name, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			id, string(Group), name, creatorID, now())
		if err != nil {
			return err
		}
		return insertParticipants(ctx, tx, id, members, 0)
	})
	if err != nil {
		return nil, err
	}
	return r.get(ctx, id, creatorID)
}

func (r *Repository) AddParticipants(ctx context.Context, conversationID string, userIDs []string) (*Conversation, error) {
	err := r.withTx(ctx, "add participants", func(tx *sql.Tx) error {
		var typ string
		var lastSeq int64
		err := tx.QueryRowContext(ctx,
			`SELECT type, last_seq FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&typ, &lastSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return &Error{Kind: KindNotFound, Message: "conversation not found", ConversationID: conversationID}
		}
		if err != nil {
			return err
		}
		if ConversationType(typ) != Group {
			return &Error{Kind: KindValidation, Message: "participants can only be added to groups", ConversationID: conversationID}
		}
		// New members start with the existing history already read.
		return insertParticipants(ctx, tx, conversationID, dedupe(userIDs, ""), lastSeq)
	})
	if err != nil {
		return nil, err
	}
	return r.get(ctx, conversationID, "")
}

func (r *Repository) Get(ctx context.Context, conversationID, viewerID string) (*Conversation, error) {
	return r.get(ctx, conversationID, viewerID)
}

const conversationColumns = `
	c.id, c.type, COALESCE(c.group_name, ''), COALESCE(c.created_by, ''), c.last_seq, c.created_at,
	c.last_message_id, c.last_message_seq, c.last_message_snippet, c.last_message_sender, c.last_message_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	c := &Conversation{}
	var typ string
	var msgID, snippet, sender sql.NullString
	var msgSeq sql.NullInt64
	var msgAt sql.NullTime
	dest := append([]any{&c.ID, &typ, &c.GroupName, &c.CreatedBy, &c.LastSeq, &c.CreatedAt,
		&msgID, &msgSeq, &snippet, &sender, &msgAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Type = ConversationType(typ)
	c.CreatedAt = c.CreatedAt.UTC()
	if msgID.Valid {
		c.LastMessage = &Summary{
			MessageID: msgID.String,
			Seq:       msgSeq.Int64,
			Snippet:   snippet.String,
			SenderID:  sender.String,
			CreatedAt: msgAt.Time.UTC(),
		}
	}
	return c, nil
}

func (r *Repository) get(ctx context.Context, conversationID, viewer string) (*Conversation, error) {
	var lastRead sql.NullInt64
	row := r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`, p.last_read_seq
		FROM conversations c
		LEFT JOIN participants p ON p.conversation_id = c.id AND p.user_id = $2
		WHERE c.id = $1`, conversationID, viewer)
	c, err := scanConversation(row, &lastRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: KindNotFound, Message: "conversation not found", ConversationID: conversationID}
	}
	if err != nil {
		return nil, StorageErr("get conversation", err)
	}
	if lastRead.Valid {
		c.UnreadCount = c.LastSeq - lastRead.Int64
	}
	if c.ParticipantIDs, err = r.Participants(ctx, conversationID); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID string, limit int, cursor string) (*ConversationPage, error) {
	cur, err := decodeConversationCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, r.opts.ConversationPageSize, r.opts.MaxPageSize)

	query := `
		SELECT ` + conversationColumns + `, p.last_read_seq
		FROM participants p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE p.user_id = $1 %s
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
		LIMIT $2`
	args := []any{userID, limit + 1}
	filter := ""
	if cur != nil {
		filter = `AND (COALESCE(c.last_message_at, c.created_at), c.id) < ($3::timestamptz, $4::text)`
		args = append(args, cur.ActivityAt, cur.ID)
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(query, filter), args...)
	if err != nil {
		return nil, StorageErr("list conversations", err)
	}
	defer rows.Close()

	page := &ConversationPage{Conversations: []*Conversation{}}
	byID := make(map[string]*Conversation)
	var ids []string
	for rows.Next() {
		var lastRead int64
		c, err := scanConversation(rows, &lastRead)
		if err != nil {
			return nil, StorageErr("list conversations", err)
		}
		c.UnreadCount = c.LastSeq - lastRead
		page.Conversations = append(page.Conversations, c)
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageErr("list conversations", err)
	}

	if len(page.Conversations) > limit {
		page.Conversations = page.Conversations[:limit]
		last := page.Conversations[limit-1]
		page.NextCursor = encodeCursor(conversationCursor{ActivityAt: last.ActivityAt(), ID: last.ID})
	}
	if len(ids) == 0 {
		return page, nil
	}

	prows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id FROM participants
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, user_id`, ids)
	if err != nil {
		return nil, StorageErr("list participants", err)
	}
	defer prows.Close()
	for prows.Next() {
		var cid, uid string
		if err := prows.Scan(&cid, &uid); err != nil {
			return nil, StorageErr("list participants", err)
		}
		if c, ok := byID[cid]; ok {
			c.ParticipantIDs = append(c.ParticipantIDs, uid)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, StorageErr("list participants", err)
	}
	return page, nil
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists, member bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1),
		       EXISTS(SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&exists, &member)
	if err != nil {
		return false, StorageErr("participant lookup", err)
	}
	if !exists {
		return false, &Error{Kind: KindNotFound, Message: "conversation not found", ConversationID: conversationID}
	}
	return member, nil
}

func (r *Repository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, StorageErr("participants", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, StorageErr("participants", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageErr("participants", err)
	}
	if len(ids) == 0 {
		if err := r.mustExist(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// recordLastMessage never moves the summary backwards when updates race.
func recordLastMessage(ctx context.Context, db execer, conversationID string, s Summary) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $2, last_message_seq = $3, last_message_snippet = $4,
		    last_message_sender = $5, last_message_at = $6
		WHERE id = $1 AND COALESCE(last_message_seq, 0) < $3`,
		conversationID, s.MessageID, s.Seq, s.Snippet, s.SenderID, s.CreatedAt)
	return err
}

func (r *Repository) RecordLastMessage(ctx context.Context, conversationID string, summary Summary) error {
	if err := recordLastMessage(ctx, r.db, conversationID, summary); err != nil {
		return StorageErr("record last message", err)
	}
	return nil
}

func (r *Repository) MarkRead(ctx context.Context, conversationID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE participants p
		SET last_read_seq = c.last_seq
		FROM conversations c
		WHERE c.id = p.conversation_id AND p.conversation_id = $1 AND p.user_id = $2`,
		conversationID, userID)
	if err != nil {
		return StorageErr("mark read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := r.mustExist(ctx, conversationID); err != nil {
			return err
		}
		return &Error{Kind: KindAuthorization, Message: "not a participant", ConversationID: conversationID}
	}
	return nil
}

// Ping is used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}
