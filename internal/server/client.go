package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/ephemeral-chat/internal/types"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
	requestTimeout = 10 * time.Second
)

// Client is one websocket connection. It carries at most one session,
// established by its first join event.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	send       chan *ServerMessage
	limiter    *rate.Limiter
	// session is only touched by the Read goroutine.
	session  *Session
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerMessage, sendBufferSize),
		limiter:    rate.NewLimiter(rate.Limit(cs.opts.MessagesPerSec), cs.opts.MessageBurst),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if msg == nil {
				// everything queued before the close marker is written
				c.sendMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			bytes, err := c.serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	if !c.limiter.Allow() {
		c.queueMessage(ErrorEvent(msg.Id, c.roomId(), types.ErrRateLimited))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if c.session == nil {
		c.handleJoin(ctx, msg)
		return
	}

	sess := c.session
	if msg.SessionToken != sess.Token {
		c.queueMessage(ErrorEvent(msg.Id, sess.RoomId(), fmt.Errorf("%w: session token mismatch", types.ErrAuthInvalid)))
		return
	}

	switch msg.Kind {
	case KindMessage:
		var p MessagePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		m, err := sess.room.publish(ctx, sess, p.Body)
		if err != nil {
			c.queueMessage(ErrorEvent(msg.Id, sess.RoomId(), err))
			return
		}
		c.queueMessage(NoErrAck(msg.Id, sess.RoomId(), m.SeqId))
	case KindEndChat:
		// the ack is sent by the room after room-ended
		if err := sess.room.endByHost(ctx, sess, msg.Id); err != nil {
			c.queueMessage(ErrorEvent(msg.Id, sess.RoomId(), err))
		}
	case KindRemoveParticipant:
		var p RemovePayload
		if err := decodePayload(msg.Payload, &p); err != nil || p.ParticipantId == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		if err := sess.room.removeParticipant(ctx, sess, p.ParticipantId); err != nil {
			c.queueMessage(ErrorEvent(msg.Id, sess.RoomId(), err))
			return
		}
		c.queueMessage(NoErrAck(msg.Id, sess.RoomId(), 0))
	case KindLeave:
		if err := sess.room.leave(ctx, sess); err != nil {
			c.log.Printf("leave room %q: %v", sess.RoomId(), err)
		}
		c.queueMessage(NoErrAck(msg.Id, sess.RoomId(), 0))
		c.closeAfterFlush()
	case KindSync:
		var p SyncPayload
		if err := decodePayload(msg.Payload, &p); err != nil || p.Since < 0 {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		c.queueMessage(NoErrSync(msg.Id, sess.RoomId(), sess.room.since(p.Since)))
	case KindJoin:
		c.queueMessage(ErrorEvent(msg.Id, sess.RoomId(), fmt.Errorf("%w: connection already joined", types.ErrInvalidInput)))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// handleJoin establishes the connection's session. Nothing but a join is
// accepted before that.
func (c *Client) handleJoin(ctx context.Context, msg *ClientMessage) {
	if msg.Kind != KindJoin {
		c.queueMessage(ErrorEvent(msg.Id, "", fmt.Errorf("%w: join first", types.ErrAuthInvalid)))
		return
	}

	var p JoinPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	sess, err := c.chatServer.Connect(ctx, c, msg.Id, p)
	if err != nil {
		if types.CodeOf(err) == types.CodeInternal {
			c.log.Printf("join: %v", err)
		}
		c.queueMessage(ErrorEvent(msg.Id, "", err))
		return
	}

	c.session = sess
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", types.ErrInvalidInput)
	}
	return json.Unmarshal(raw, v)
}

func (c *Client) roomId() string {
	if c.session == nil {
		return ""
	}
	return c.session.RoomId()
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

// closeAfterFlush closes the connection once everything already queued
// has been written.
func (c *Client) closeAfterFlush() {
	if !c.queueMessage(nil) {
		c.stopClient()
	}
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	if sess := c.session; sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := sess.room.leave(ctx, sess); err != nil {
			c.log.Printf("leave room %q: %v", sess.RoomId(), err)
		}
	}

	c.chatServer.removeClient(c)
	c.stopClient()
}
