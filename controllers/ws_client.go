package controllers

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 16
)

// Client is one WebSocket connection. Only writePump writes to the
// connection; everything else goes through Enqueue.
type Client struct {
	UserID       string
	ConnectionID string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	mu        sync.Mutex
	lastPong  time.Time
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID string, logger *zap.Logger) *Client {
	connectionID := uuid.NewString()
	return &Client{
		UserID:       userID,
		ConnectionID: connectionID,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		lastPong:     time.Now(),
		logger:       logger.With(zap.String("user_id", userID), zap.String("connection_id", connectionID)),
	}
}

// Enqueue queues msg for writing. It returns false once the client is
// closed.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) sendFrame(f serverFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.String("type", f.Type), zap.Error(err))
		return false
	}
	return c.Enqueue(data)
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

func (c *Client) sinceLastPong() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPong)
}

// writePump drains the send queue and sends the text "ping" every
// pingInterval. A client silent for longer than pongTimeout is dropped.
func (c *Client) writePump(pingInterval, pongTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("Write failed, closing connection", zap.Error(err))
				return
			}
		case <-ticker.C:
			if c.sinceLastPong() > pongTimeout {
				c.logger.Info("Client timeout, closing connection")
				return
			}
			if err := c.write([]byte("ping")); err != nil {
				c.logger.Debug("Ping failed, closing connection", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// readPump passes every frame except "pong" to handle until the
// connection fails. Any inbound frame counts as liveness.
func (c *Client) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.touch()
		if string(data) == "pong" {
			continue
		}
		handle(data)
	}
}
