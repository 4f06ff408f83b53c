package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// wsConnection is the subset of *websocket.Conn the client needs;
// tests substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Client is one WebSocket session. It implements types.ClientInterface;
// the coordinator never touches the connection directly.
type Client struct {
	conn      wsConnection
	room      types.Roomer
	sourceKey string

	mu          sync.RWMutex
	username    types.UsernameType
	closed      bool
	closeReason string

	closeOnce sync.Once
	send      chan []byte
}

func newClient(conn wsConnection, room types.Roomer, sourceKey string) *Client {
	return &Client{
		conn:      conn,
		room:      room,
		sourceKey: sourceKey,
		send:      make(chan []byte, sendQueueSize),
	}
}

func (c *Client) GetUsername() types.UsernameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) SetUsername(name types.UsernameType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = name
}

func (c *Client) GetSourceKey() string {
	return c.sourceKey
}

// SendRaw enqueues one frame. A false return means the session is
// closed or its queue is full; the coordinator reaps it either way.
func (c *Client) SendRaw(data []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	select {
	case c.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "Session send queue full - reaping",
			zap.String("username", string(c.GetUsername())))
		return false
	}
}

// Disconnect closes the session with a human-readable status carried in
// the close frame. Idempotent.
func (c *Client) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump feeds inbound frames to the coordinator until the stream
// breaks, then reports the disconnect.
func (c *Client) readPump() {
	defer func() {
		c.room.HandleClientDisconnect(c)
		c.Disconnect("stream closed")
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.room.HandleFrame(context.Background(), c, data)
	}
}

// writePump drains the send queue onto the wire. When the queue closes
// it emits a close frame carrying the disconnect reason.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Warn(context.Background(), "Write failed",
				zap.String("username", string(c.GetUsername())), zap.Error(err))
			return
		}
	}

	c.mu.RLock()
	reason := c.closeReason
	c.mu.RUnlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
