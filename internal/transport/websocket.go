// Package transport adapts websocket connections to the framed message
// stream consumed by the multiplexer. One text frame carries one envelope.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Maximum time we'll wait for a write we initiate to complete. We don't use
// websocket's ping-pong mechanism, instead relying on TCP keep-alive.
const writeTimeout = 10 * time.Second

// WSConn wraps a websocket connection as a mux.Transport. Reads must come
// from a single goroutine; writes are serialized internally because the
// underlying websocket permits only one concurrent writer.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an already-established websocket connection, either side.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Dial opens a client websocket connection to the given URL
// (e.g. "ws://localhost:8765/").
func Dial(ctx context.Context, url string) (*WSConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWSConn(conn), nil
}

// Upgrade promotes an HTTP request to a websocket connection on the
// accepting side.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by the upgrader.
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewWSConn(conn), nil
}

// ReadMessage blocks until the next text frame arrives and returns it.
func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.TextMessage:
			return data, nil
		case websocket.BinaryMessage:
			return nil, fmt.Errorf("unexpected binary message (expected text)")
		default:
			// Control frames are handled by the websocket library.
			continue
		}
	}
}

// WriteMessage writes one text frame. Safe for concurrent use.
func (c *WSConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying websocket connection.
func (c *WSConn) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(writeTimeout)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	c.writeMu.Unlock()
	return c.conn.Close()
}
