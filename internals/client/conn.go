package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/signaling"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrConnClosed = errors.New("signaling connection closed")

// Conn is a signaling connection to the relay.
type Conn interface {
	// ID is the identity the relay assigned to this connection.
	ID() string
	Send(msg signaling.Message) error
	// Incoming yields relay messages in order and is closed when the
	// connection ends.
	Incoming() <-chan signaling.Message
	Close() error
}

// WSConn is a Conn over gorilla/websocket.
type WSConn struct {
	id       string
	conn     *websocket.Conn
	cfg      config.SignalingConfig
	incoming chan signaling.Message
	send     chan signaling.Message
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// Dial connects to the relay at url and waits for the welcome message.
func Dial(ctx context.Context, url string, cfg config.SignalingConfig, logger *zap.Logger) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(cfg.WSPongTimeout))
	}
	var first signaling.Message
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if first.Type != signaling.MessageTypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", first.Type)
	}
	var welcome signaling.Welcome
	if err := signaling.Decode(first.Data, &welcome); err != nil || welcome.ID == "" {
		conn.Close()
		return nil, fmt.Errorf("invalid welcome message")
	}

	size := cfg.SendQueueSize
	if size <= 0 {
		size = 256
	}
	c := &WSConn{
		id:       welcome.ID,
		conn:     conn,
		cfg:      cfg,
		incoming: make(chan signaling.Message, size),
		send:     make(chan signaling.Message, size),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("clientID", welcome.ID)),
	}
	c.logger.Info("Connected to signaling relay", zap.String("url", url))

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *WSConn) ID() string                         { return c.id }
func (c *WSConn) Incoming() <-chan signaling.Message { return c.incoming }

// Send queues msg for the write pump.
func (c *WSConn) Send(msg signaling.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WSWriteTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) readPump() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	if c.cfg.WSReadLimit > 0 {
		c.conn.SetReadLimit(c.cfg.WSReadLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WSWriteTimeout))
	})
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

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Malformed relay frame", zap.Error(err))
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(c.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
