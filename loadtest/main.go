package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/protocol"
	"go-chat-core/internal/reconcile"
	"go-chat-core/internal/user"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base url")
	pairs    = flag.Int("pairs", 50, "conversations to drive concurrently") // ⚠️ Start small; the database might choke on 1000 immediately.
	msgCount = flag.Int("msgs", 20, "messages per user")
	timeout  = flag.Duration("timeout", 30*time.Second, "overall deadline")
)

var (
	sent      atomic.Int64
	confirmed atomic.Int64
	received  atomic.Int64
	failures  atomic.Int64
)

// Tokens are minted with the server's secret. Against the postgres store the
// users must already exist in the directory.
func main() {
	_ = godotenv.Load()
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("❌ JWT_SECRET is not set")
	}
	tokens := user.NewService(secret, os.Getenv("JWT_ISSUER"))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger.Info("🔥 STARTING STRESS TEST", zap.Int("users", *pairs*2), zap.Int("messages_each", *msgCount))
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < *pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(ctx, tokens, pairID); err != nil {
				failures.Add(1)
				logger.Warn("❌ pair failed", zap.Int("pair", pairID), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	logger.Info("✅ LOAD TEST COMPLETE",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", sent.Load()),
		zap.Int64("confirmed", confirmed.Load()),
		zap.Int64("received", received.Load()),
		zap.Int64("failed_pairs", failures.Load()))
}

func runPair(ctx context.Context, tokens *user.Service, pairID int) error {
	// 1. Define Users (e.g., u_0_a, u_0_b)
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	tokenA, err := tokens.IssueToken(userA, userA, time.Hour)
	if err != nil {
		return err
	}
	tokenB, err := tokens.IssueToken(userB, userB, time.Hour)
	if err != nil {
		return err
	}

	// 2. User A starts the conversation with User B
	convID, err := startConversation(ctx, tokenA, userB)
	if err != nil {
		return err
	}

	// 3. Both sides chat over websockets
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return chatter(gctx, tokenA, convID, userA) })
	g.Go(func() error { return chatter(gctx, tokenB, convID, userB) })
	return g.Wait()
}

func startConversation(ctx context.Context, token, recipientID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"recipientId": recipientID, "content": "👋"})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+"/api/conversations/one-to-one", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create conversation: status %d", resp.StatusCode)
	}

	var data struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return data.Conversation.ID, nil
}

// chatter sends msgCount messages and waits until each one is confirmed and
// every message from the peer has arrived.
func chatter(ctx context.Context, token, convID, userID string) error {
	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%s: ws connect: %w", userID, err)
	}
	defer conn.Close()

	if err := await(conn, protocol.EventAuthenticated); err != nil {
		return fmt.Errorf("%s: %w", userID, err)
	}
	if err := write(conn, protocol.EventOpenConversation, protocol.ConversationRef{ConversationID: convID}); err != nil {
		return err
	}
	if err := await(conn, protocol.EventJoinConfirmation); err != nil {
		return fmt.Errorf("%s: %w", userID, err)
	}

	timeline := reconcile.NewTimeline()
	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			switch env.Event {
			case protocol.EventNewMessage:
				var m protocol.NewMessage
				if env.Bind(&m) == nil && timeline.Confirm(m) {
					if m.SenderID == userID {
						confirmed.Add(1)
					} else {
						received.Add(1)
					}
				}
			case protocol.EventError:
				failures.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		content := fmt.Sprintf("LoadTest Msg %d from %s", i, userID)
		provisionalID := timeline.AddPending(convID, userID, content, chat.TypeText)
		err := write(conn, protocol.EventSendMessage, protocol.SendMessage{
			ConversationID:      convID,
			Content:             content,
			ClientProvisionalID: provisionalID,
		})
		if err != nil {
			timeline.Fail(provisionalID)
			return fmt.Errorf("%s: send: %w", userID, err)
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if settled(timeline, userID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %d still pending: %w", userID, timeline.Count(reconcile.StatusPending), ctx.Err())
		case err := <-readErr:
			return fmt.Errorf("%s: read: %w", userID, err)
		case <-ticker.C:
		}
	}
}

func settled(t *reconcile.Timeline, userID string) bool {
	if t.Count(reconcile.StatusPending) > 0 {
		return false
	}
	fromPeer := 0
	for _, e := range t.Entries() {
		if e.SenderID != userID && e.Content != "👋" {
			fromPeer++
		}
	}
	return fromPeer >= *msgCount
}

func write(conn *websocket.Conn, event protocol.Event, data any) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(event, data))
}

// await reads until event arrives. Error events fail the wait.
func await(conn *websocket.Conn, event protocol.Event) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", event, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		switch env.Event {
		case event:
			return nil
		case protocol.EventError:
			var e protocol.Error
			env.Bind(&e)
			return fmt.Errorf("waiting for %s: %s: %s", event, e.Kind, e.Message)
		}
	}
}
