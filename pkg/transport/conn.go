package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the outbound half of a session transport. Implementations must be
// safe for concurrent writers.
type Conn interface {
	// WriteMessage sends one framed message.
	WriteMessage(data []byte) error
	// Close closes the transport with a close code and reason.
	Close(code int, reason string) error
	// Alive reports whether the transport can still accept writes.
	Alive() bool
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// WSConn adapts a gorilla websocket connection to Conn. The websocket
// package permits one concurrent writer, so writes serialize on a mutex.
type WSConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an accepted or dialed websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

func (c *WSConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ReadMessage blocks for the next inbound frame.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}
