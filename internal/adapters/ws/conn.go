// Package ws adapts the matchmaker to WebSocket clients: the matchmake
// request path and the room-join path.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn owns one client socket. Writes funnel through a buffered send
// channel drained by the write pump; the pump also drives the heartbeat.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	closed    bool
	pingCount int
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, 32),
	}
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// writePump drains the send channel and pings the client on a fixed
// interval. A client missing pingMaxRetries consecutive pongs is
// terminated.
func (c *wsConn) writePump(pingInterval time.Duration, pingMaxRetries int) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.pingCount = 0
		c.mu.Unlock()
		return nil
	})

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Msg("write error")
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			missed := c.pingCount
			c.pingCount++
			c.mu.Unlock()
			if missed >= pingMaxRetries {
				log.Info().Str("module", "adapters.ws").Msg("client unresponsive, terminating")
				_ = c.conn.Close()
				return
			}
			deadline := time.Now().Add(pingInterval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound frames to onMessage until the socket dies, then
// runs onClose exactly once.
func (c *wsConn) readPump(readLimit int64, onMessage func(data []byte), onClose func()) {
	defer onClose()
	if readLimit > 0 {
		c.conn.SetReadLimit(readLimit)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		onMessage(data)
	}
}
