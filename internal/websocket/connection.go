package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the subset of *websocket.Conn the pumps use.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() string
}

type connWrapper struct {
	conn *websocket.Conn
}

// WrapConn adapts a gorilla connection to Connection.
func WrapConn(conn *websocket.Conn) Connection {
	return &connWrapper{conn: conn}
}

func (c *connWrapper) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

func (c *connWrapper) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *connWrapper) Close() error { return c.conn.Close() }

func (c *connWrapper) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *connWrapper) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *connWrapper) SetReadLimit(limit int64) { c.conn.SetReadLimit(limit) }

func (c *connWrapper) SetPongHandler(h func(string) error) { c.conn.SetPongHandler(h) }

func (c *connWrapper) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
