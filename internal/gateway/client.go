package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go-chat-core/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
)

type roomState int

const (
	roomJoining roomState = iota + 1
	roomJoined
)

// Client is one websocket connection. Only the read pump touches userID and
// rooms; Deliver may be called from any goroutine.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	id           string
	userID       string
	authDeadline time.Time
	rooms        map[string]roomState

	closeOnce  sync.Once
	closeFrame []byte
	done       chan struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn, id string) *Client {
	return &Client{
		gw:           gw,
		conn:         conn,
		send:         make(chan []byte, gw.cfg.SendBuffer),
		log:          gw.log.With(zap.String("connection_id", id)),
		id:           id,
		authDeadline: time.Now().Add(gw.cfg.AuthTimeout),
		rooms:        make(map[string]roomState),
		done:         make(chan struct{}),
	}
}

func (c *Client) authenticated() bool {
	return c.userID != ""
}

// Deliver queues payload without blocking. A full buffer means the peer cannot
// keep up; the connection is closed rather than let it miss messages silently.
func (c *Client) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("🐢 send buffer full, closing slow connection")
		c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

func (c *Client) reply(event protocol.Event, data any) {
	c.Deliver(protocol.MustEncode(event, data))
}

func (c *Client) replyError(err error, conversationID string) {
	c.reply(protocol.EventError, protocol.ErrorFrom(err, conversationID))
}

// closeWith asks the write pump to flush what is queued, send a close frame and
// hang up. The first reason wins.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump runs on the handler goroutine and processes commands in order.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gw.disconnect(c)
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(c.gw.cfg.MaxFrameBytes)
	if c.authenticated() {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(c.authDeadline)
	}
	c.conn.SetPongHandler(func(string) error {
		// Pongs keep an authenticated connection alive but never extend the
		// authentication window.
		if c.authenticated() {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if !c.authenticated() && errors.As(err, &netErr) && netErr.Timeout() {
				c.gw.rejectAuth(c, "authentication timed out")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.gw.handle(ctx, c, frame)
		if c.closed() {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.closeWith(websocket.CloseGoingAway, "")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseGoingAway, "")
				return
			}

		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame, all within one
// write deadline.
func (c *Client) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame)
			return
		}
	}
}
