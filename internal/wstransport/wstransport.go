// Package wstransport carries SOCKS5 or HTTP-proxy traffic over a
// WebSocket connection, wrapping nhooyr.io/websocket as a net.Conn so
// the socks5 and httpproxy drivers can run unmodified over it.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Subprotocol is negotiated on every connection so a server can reject
// anything that isn't speaking this transport.
const Subprotocol = "proxyhost.v1"

// Dial connects to a WebSocket proxy endpoint and returns it wrapped as
// a net.Conn.
func Dial(ctx context.Context, url string) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, errors.New("wstransport: server did not negotiate " + Subprotocol)
	}
	return newConn(conn), nil
}

// Handler upgrades incoming HTTP requests to WebSocket and passes the
// resulting net.Conn to serve. It blocks until serve returns, matching
// nhooyr.io/websocket's requirement that the handler stay active for
// the connection's lifetime.
func Handler(serve func(net.Conn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			return
		}
		if conn.Subprotocol() != Subprotocol {
			conn.Close(websocket.StatusProtocolError, Subprotocol+" subprotocol required")
			return
		}

		wc := newConn(conn)
		defer wc.Close()
		serve(wc)
	}
}

// conn adapts a *websocket.Conn to net.Conn. Grounded on the same
// one-message-per-binary-frame framing and deadline-via-context
// translation the mesh agent's WebSocket SOCKS5 listener uses.
type conn struct {
	ws         *websocket.Conn
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.RWMutex
	deadlineCtx    context.Context
	deadlineCancel context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{ws: ws, baseCtx: ctx, baseCancel: cancel}
}

func (c *conn) activeCtx() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deadlineCtx != nil {
		return c.deadlineCtx
	}
	return c.baseCtx
}

func (c *conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader != nil {
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}

	msgType, r, err := c.ws.Reader(c.activeCtx())
	if err != nil {
		return 0, c.translateError(err)
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("wstransport: unexpected message type %v", msgType)
	}

	n, err := r.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}
	c.reader = r
	return n, nil
}

func (c *conn) Write(b []byte) (int, error) {
	if err := c.ws.Write(c.activeCtx(), websocket.MessageBinary, b); err != nil {
		return 0, c.translateError(err)
	}
	return len(b), nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
	}
	c.mu.Unlock()
	c.baseCancel()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// LocalAddr and RemoteAddr return nil: nhooyr.io/websocket does not
// expose the underlying TCP addresses.
func (c *conn) LocalAddr() net.Addr  { return nil }
func (c *conn) RemoteAddr() net.Addr { return nil }

func (c *conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
		c.deadlineCancel = nil
		c.deadlineCtx = nil
	}
	if !t.IsZero() {
		c.deadlineCtx, c.deadlineCancel = context.WithDeadline(c.baseCtx, t)
	}
	return nil
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

type timeoutError struct{ err error }

func (e *timeoutError) Error() string   { return e.err.Error() }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func (c *conn) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &timeoutError{err: err}
	}
	return err
}

var _ net.Conn = (*conn)(nil)
