package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-relay/internal/protocol"
)

var errTransportClosed = errors.New("transport closed")

// clientConn is the write side of a client socket. It implements session.Emitter.
type clientConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newClientConn(conn *websocket.Conn, writeTimeout time.Duration) *clientConn {
	return &clientConn{conn: conn, writeTimeout: writeTimeout}
}

// Emit serializes msg and writes it as one text frame
func (c *clientConn) Emit(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errTransportClosed
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", errTransportClosed, err)
	}
	return nil
}

// ping sends a keepalive ping
func (c *clientConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errTransportClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.deadline()))
}

// CloseTransport sends a normal close frame and closes the socket
func (c *clientConn) CloseTransport() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = c.conn.Close()
		return
	}
	c.closed = true

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.deadline()))
	_ = c.conn.Close()
}

func (c *clientConn) deadline() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return time.Second
}
