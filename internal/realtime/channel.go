// Package realtime manages the client's single persistent WebSocket
// connection to the backend: room-scoped membership with leave-before-join
// ordering, fire-and-forget emission of messages and typing signals, and
// dispatch of inbound events to registered handlers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"assemble-chat-client/internal/api"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 8192
	outboundBuffer = 256
)

// ErrChannelClosed is returned by emissions after the channel shut down.
var ErrChannelClosed = errors.New("real-time channel is closed")

// MessageHandler receives every message the backend delivers to this
// session, independent of which room is currently joined. IsOwn is not set;
// ownership is derived by the receiver.
type MessageHandler func(api.Message)

// TypingHandler receives typing-state changes within the joined room.
type TypingHandler func(TypingSignal)

// Channel is one live connection. Emissions are fire-and-forget: frames are
// queued to a write pump and no acknowledgement is awaited.
type Channel struct {
	logger   *zap.SugaredLogger
	conn     *websocket.Conn
	clientID string
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	parsers  fastjson.ParserPool

	mu        sync.Mutex
	room      *roomRef
	onMessage MessageHandler
	onTyping  TypingHandler
}

// Dial connects to the backend's socket endpoint. The bearer token and a
// fresh client instance id are passed as query parameters so the backend can
// authenticate the session and tell concurrent connections of one user apart.
func Dial(ctx context.Context, logger *zap.SugaredLogger, rawURL, token string) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing socket url: %w", err)
	}

	clientID := uuid.NewString()
	q := u.Query()
	q.Set("client_id", clientID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Host, err)
	}

	c := &Channel{
		logger:   logger,
		conn:     conn,
		clientID: clientID,
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	c.logger.Debugw("real-time channel established", "client_id", clientID)

	return c, nil
}

// ClientID returns the instance id sent on dial.
func (c *Channel) ClientID() string { return c.clientID }

// OnMessage registers the message handler. Handlers run sequentially on the
// read goroutine, preserving delivery order.
func (c *Channel) OnMessage(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnTyping registers the typing handler.
func (c *Channel) OnTyping(fn TypingHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = fn
}

// JoinRoom scopes delivery to the (self, peer) pair. If another room is
// joined, its leave_chat is emitted strictly before the new join_chat.
// Joining the already-joined room is a no-op.
func (c *Channel) JoinRoom(selfID, peerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := roomRef{UserID: selfID, OtherUserID: peerID}
	if c.room != nil && *c.room == next {
		return nil
	}

	if c.room != nil {
		if err := c.emit(EventLeaveChat, *c.room); err != nil {
			return err
		}
	}
	if err := c.emit(EventJoinChat, next); err != nil {
		return err
	}

	c.room = &next
	return nil
}

// LeaveRoom releases the current membership. Leaving a room that is not
// joined is a no-op.
func (c *Channel) LeaveRoom(selfID, peerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := roomRef{UserID: selfID, OtherUserID: peerID}
	if c.room == nil || *c.room != ref {
		return nil
	}

	if err := c.emit(EventLeaveChat, ref); err != nil {
		return err
	}

	c.room = nil
	return nil
}

// Send emits a message for live delivery.
func (c *Channel) Send(senderID, receiverID int64, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emit(EventSendMessage, outboundMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	})
}

// SendTyping emits a typing-state change for the peer.
func (c *Channel) SendTyping(userID, otherUserID int64, isTyping bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emit(EventTyping, TypingSignal{
		UserID:      userID,
		OtherUserID: otherUserID,
		IsTyping:    isTyping,
	})
}

// Close tears the connection down. Safe to call from any exit path; only the
// first call has an effect.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether the channel has shut down, either by Close or by a
// broken connection.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// emit queues one frame. Callers hold c.mu, which keeps multi-frame
// sequences (leave then join) ordered in the outbound queue.
func (c *Channel) emit(event string, data any) error {
	payload, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", event, err)
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	case c.outbound <- payload:
		return nil
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debugw("socket write failed", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// Flush frames queued before shutdown (typically a final
			// leave_chat), then say goodbye.
			for {
				select {
				case payload := <-c.outbound:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Channel) readPump() {
	defer func() {
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugw("socket read failed", "error", err)
			}
			return
		}
		c.dispatch(payload)
	}
}

// dispatch decodes one inbound frame and routes it to the matching handler.
// Unknown events are logged and dropped.
func (c *Channel) dispatch(payload []byte) {
	parser := c.parsers.Get()
	defer c.parsers.Put(parser)

	v, err := parser.ParseBytes(payload)
	if err != nil {
		c.logger.Debugw("discarding malformed frame", "error", err)
		return
	}

	event := string(v.GetStringBytes("event"))
	data := v.Get("data")
	if data == nil {
		c.logger.Debugw("discarding frame without data", "event", event)
		return
	}

	switch event {
	case EventNewMessage:
		createdAt, err := api.ParseTimestamp(string(data.GetStringBytes("created_at")))
		if err != nil {
			c.logger.Debugw("discarding message with bad timestamp", "error", err)
			return
		}

		msg := api.Message{
			ID:         data.GetInt64("id"),
			SenderID:   data.GetInt64("sender_id"),
			ReceiverID: data.GetInt64("receiver_id"),
			Content:    string(data.GetStringBytes("content")),
			IsRead:     data.GetBool("is_read"),
			CreatedAt:  createdAt,
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}

	case EventUserTyping:
		signal := TypingSignal{
			UserID:   data.GetInt64("user_id"),
			IsTyping: data.GetBool("is_typing"),
		}

		c.mu.Lock()
		fn := c.onTyping
		c.mu.Unlock()
		if fn != nil {
			fn(signal)
		}

	default:
		c.logger.Debugw("ignoring unknown event", "event", event)
	}
}
