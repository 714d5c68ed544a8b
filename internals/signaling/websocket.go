package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives the inbound side of a connection. HandleMessage is called
// sequentially from the connection's read pump, which preserves per-sender
// order. Disconnect is called exactly once after the read pump exits.
type Handler interface {
	HandleMessage(ep Endpoint, msg Message)
	Disconnect(ep Endpoint)
}

// Client is a websocket Endpoint with a bounded outbound queue drained by
// WritePump.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	cfg  config.SignalingConfig

	mu     sync.Mutex
	closed bool

	logger *zap.Logger
}

func NewClient(id string, conn *websocket.Conn, cfg config.SignalingConfig, logger *zap.Logger) *Client {
	size := cfg.SendQueueSize
	if size <= 0 {
		size = 256
	}
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan Message, size),
		cfg:    cfg,
		logger: logger.With(zap.String("clientID", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Deliver queues msg for the write pump. A client whose queue is full is
// disconnected rather than silently losing negotiation messages; its read
// pump then exits and the usual leave path runs.
func (c *Client) Deliver(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("Client send queue full, closing connection")
		c.closed = true
		close(c.send)
		c.conn.Close()
		return false
	}
}

func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) SendError(code int, text string) {
	msg, err := NewMessage(MessageTypeError, ErrorMessage{Code: code, Message: text})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}
	c.Deliver(msg)
}

func (c *Client) ReadPump(h Handler) {
	defer func() {
		h.Disconnect(c)
		c.conn.Close()
	}()

	if c.cfg.WSReadLimit > 0 {
		c.conn.SetReadLimit(c.cfg.WSReadLimit) // SDP with several transceivers can be large
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.logger.Debug("Malformed signaling frame", zap.Int("bytes", len(data)))
			c.SendError(400, "malformed message")
			continue
		}
		h.HandleMessage(c, msg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
