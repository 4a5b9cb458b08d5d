// Package gateway is the websocket edge: it authenticates connections, tracks
// their room state and fans confirmed messages out to joined connections.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go-chat-core/internal/chat"
	myMiddleware "go-chat-core/internal/middleware"
	"go-chat-core/internal/presence"
	"go-chat-core/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator resolves an identity token to a user id and name.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (string, string, error)
}

// Chat is the slice of the chat service the gateway drives.
type Chat interface {
	Send(ctx context.Context, in chat.AppendInput) (*chat.Message, error)
	Conversation(ctx context.Context, userID, conversationID string) (*chat.Conversation, error)
}

// Seeder starts a room's delivery sequence at the conversation's latest seq.
type Seeder interface {
	Seed(conversationID string, lastSeq int64)
}

type Config struct {
	AuthTimeout    time.Duration
	CommandTimeout time.Duration
	SendBuffer     int
	MaxFrameBytes  int64
	CheckOrigin    func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 16 << 10
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return c
}

type Gateway struct {
	validator TokenValidator
	chat      Chat
	seeder    Seeder
	registry  *presence.Registry
	cfg       Config
	log       *zap.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func New(validator TokenValidator, svc Chat, seeder Seeder, registry *presence.Registry, log *zap.Logger, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		validator: validator,
		chat:      svc,
		seeder:    seeder,
		registry:  registry,
		cfg:       cfg,
		log:       log.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
}

// ServeWs upgrades the request and serves the connection until it closes. A
// token on the upgrade request authenticates the connection immediately.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := newClient(g, conn, uuid.NewString())
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	g.clients[client] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	go client.writePump()

	if token := myMiddleware.TokenFromRequest(r); token != "" {
		g.authenticate(g.ctx, client, token)
		if client.closed() {
			g.disconnect(client)
			return
		}
	}
	client.readPump(g.ctx)
}

// Shutdown closes every connection and waits for their read loops to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	g.mu.Lock()
	for c := range g.clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) disconnect(c *Client) {
	g.registry.UnregisterConnection(c.id)
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// handle dispatches one inbound frame. Before authentication only
// authenticate is accepted; anything else ends the connection.
func (g *Gateway) handle(ctx context.Context, c *Client, frame []byte) {
	env, err := protocol.Decode(frame)
	if !c.authenticated() {
		if err != nil || env.Event != protocol.EventAuthenticate {
			g.rejectAuth(c, "authenticate first")
			return
		}
		var req protocol.Authenticate
		if err := env.Bind(&req); err != nil {
			g.rejectAuth(c, "token is required")
			return
		}
		g.authenticate(ctx, c, req.Token)
		return
	}
	if err != nil {
		c.replyError(err, "")
		return
	}

	switch env.Event {
	case protocol.EventAuthenticate:
		c.replyError(chat.Errorf(chat.KindValidation, "already authenticated"), "")
	case protocol.EventOpenConversation:
		var req protocol.ConversationRef
		if err := bindRef(env, &req); err != nil {
			c.replyError(err, req.ConversationID)
			return
		}
		g.openConversation(ctx, c, req.ConversationID)
	case protocol.EventLeaveConversation:
		var req protocol.ConversationRef
		if err := bindRef(env, &req); err != nil {
			c.replyError(err, req.ConversationID)
			return
		}
		g.leaveConversation(c, req.ConversationID)
	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err := env.Bind(&req); err != nil {
			c.replyError(err, req.ConversationID)
			return
		}
		g.sendMessage(ctx, c, req)
	default:
		c.replyError(chat.Errorf(chat.KindValidation, "unknown event %q", env.Event), "")
	}
}

func bindRef(env *protocol.Envelope, req *protocol.ConversationRef) error {
	if err := env.Bind(req); err != nil {
		return err
	}
	if req.ConversationID == "" {
		return chat.Errorf(chat.KindValidation, "conversationId is required")
	}
	return nil
}

func (g *Gateway) authenticate(ctx context.Context, c *Client, token string) {
	if token == "" {
		g.rejectAuth(c, "token is required")
		return
	}
	ctx, cancel := context.WithDeadline(ctx, c.authDeadline)
	defer cancel()

	userID, _, err := g.validator.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.rejectAuth(c, "authentication timed out")
		} else {
			g.rejectAuth(c, "invalid token")
		}
		return
	}
	if err := g.registry.RegisterConnection(userID, c.id, c); err != nil {
		g.rejectAuth(c, "connection could not be registered")
		return
	}

	c.userID = userID
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.log.Info("🔌 connection authenticated", zap.String("user_id", userID))
	c.reply(protocol.EventAuthenticated, protocol.Authenticated{UserID: userID, ConnectionID: c.id})
}

// rejectAuth reports an AuthenticationError and closes the connection.
func (g *Gateway) rejectAuth(c *Client, reason string) {
	c.replyError(chat.Errorf(chat.KindAuthentication, "%s", reason), "")
	c.closeWith(websocket.ClosePolicyViolation, reason)
}

// openConversation reads the conversation before joining the room, so every
// message with a seq above the one read here reaches this connection. Older
// messages are history.
func (g *Gateway) openConversation(ctx context.Context, c *Client, conversationID string) {
	if c.rooms[conversationID] == roomJoined {
		c.reply(protocol.EventJoinConfirmation, protocol.ConversationRef{ConversationID: conversationID})
		return
	}

	c.rooms[conversationID] = roomJoining
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()
	conv, err := g.chat.Conversation(ctx, c.userID, conversationID)
	if err == nil {
		err = g.registry.JoinRoom(ctx, c.id, conversationID)
	}
	if err != nil {
		delete(c.rooms, conversationID)
		if chat.KindOf(err) == chat.KindStorage {
			g.log.Error("❌ join failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		c.replyError(err, conversationID)
		return
	}
	if g.seeder != nil {
		g.seeder.Seed(conversationID, conv.LastSeq)
	}
	c.rooms[conversationID] = roomJoined
	c.reply(protocol.EventJoinConfirmation, protocol.ConversationRef{ConversationID: conversationID})
}

func (g *Gateway) leaveConversation(c *Client, conversationID string) {
	g.registry.LeaveRoom(c.id, conversationID)
	delete(c.rooms, conversationID)
	c.reply(protocol.EventLeaveConfirmation, protocol.ConversationRef{ConversationID: conversationID})
}

// sendMessage requires the room to be joined. The sender's confirmation
// arrives through the broadcast like everyone else's.
func (g *Gateway) sendMessage(ctx context.Context, c *Client, req protocol.SendMessage) {
	if req.ConversationID == "" {
		c.replyError(chat.Errorf(chat.KindValidation, "conversationId is required"), "")
		return
	}
	if c.rooms[req.ConversationID] != roomJoined {
		c.replyError(chat.Errorf(chat.KindAuthorization, "conversation is not open"), req.ConversationID)
		return
	}
	_, err := g.chat.Send(ctx, chat.AppendInput{
		ConversationID: req.ConversationID,
		SenderID:       c.userID,
		Content:        req.Content,
		Type:           req.Type,
		ProvisionalID:  req.ClientProvisionalID,
	})
	if err != nil {
		c.replyError(err, req.ConversationID)
	}
}
