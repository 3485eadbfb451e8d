// Package resumeio implements a net.Conn placeholder that can be handed
// out before the real underlying connection exists, generalizing the
// attach-later shape the websocket transport adapter in this codebase
// already needs (a net.Conn facade over a transport only available after
// an HTTP upgrade completes).
package resumeio

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/postalsys/proxyhost/proxyerr"
)

// DefaultTimeout is the idle timer fired when no Attach arrives.
const DefaultTimeout = 10 * time.Second

// ErrTimedOut is returned by reads/writes that were parked waiting for
// Attach when the timeout fires.
var ErrTimedOut = errors.New("resumeio: timed out waiting for attachment")

// Placeholder implements net.Conn. Before Attach is called, reads and
// writes park until attachment or until the timeout fires. After Attach,
// I/O passes straight through to the underlying connection.
type Placeholder struct {
	mu        sync.Mutex
	attached  net.Conn
	ready     chan struct{}
	closed    bool
	closeErr  error
	localAddr net.Addr

	timeout time.Duration
	timer   *time.Timer
	timedOut bool
}

// Controller is the paired handle that attaches the real connection to a
// Placeholder.
type Controller struct {
	p *Placeholder
}

// New creates a (Placeholder, Controller) pair. A timeout of 0 uses
// DefaultTimeout.
func New(timeout time.Duration) (*Placeholder, *Controller) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Placeholder{
		ready:   make(chan struct{}),
		timeout: timeout,
	}
	p.timer = time.AfterFunc(timeout, p.fireTimeout)
	return p, &Controller{p: p}
}

func (p *Placeholder) fireTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached == nil && !p.closed {
		p.timedOut = true
		close(p.ready)
	}
}

// Attach transfers ownership of conn into the placeholder and wakes any
// parked reads/writes. Calling Attach more than once is a no-op after
// the first call.
func (c *Controller) Attach(conn net.Conn) {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil || p.closed {
		return
	}
	p.timer.Stop()
	p.attached = conn
	close(p.ready)
}

// waitReady blocks until attachment, close, or timeout, then reports the
// live connection (or an error) to use for the I/O call that parked.
func (p *Placeholder) waitReady() (net.Conn, error) {
	p.mu.Lock()
	if p.attached != nil {
		conn := p.attached
		p.mu.Unlock()
		return conn, nil
	}
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		if err == nil {
			err = proxyerr.New(proxyerr.Closed)
		}
		return nil, err
	}
	ready := p.ready
	p.mu.Unlock()

	<-ready

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil {
		return p.attached, nil
	}
	if p.timedOut {
		return nil, ErrTimedOut
	}
	if p.closeErr != nil {
		return nil, p.closeErr
	}
	return nil, proxyerr.New(proxyerr.Closed)
}

func (p *Placeholder) Read(b []byte) (int, error) {
	conn, err := p.waitReady()
	if err != nil {
		return 0, err
	}
	return conn.Read(b)
}

func (p *Placeholder) Write(b []byte) (int, error) {
	conn, err := p.waitReady()
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

// Close closes the underlying connection if attached, and otherwise
// marks the placeholder closed so parked and future I/O fails instead of
// waiting out the timeout.
func (p *Placeholder) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.timer.Stop()
	conn := p.attached
	wasWaiting := conn == nil
	if wasWaiting {
		close(p.ready)
	}
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (p *Placeholder) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil {
		return p.attached.LocalAddr()
	}
	return placeholderAddr{}
}

func (p *Placeholder) RemoteAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil {
		return p.attached.RemoteAddr()
	}
	return placeholderAddr{}
}

func (p *Placeholder) SetDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil {
		return p.attached.SetDeadline(t)
	}
	return nil
}

func (p *Placeholder) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil {
		return p.attached.SetReadDeadline(t)
	}
	return nil
}

func (p *Placeholder) SetWriteDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil {
		return p.attached.SetWriteDeadline(t)
	}
	return nil
}

type placeholderAddr struct{}

func (placeholderAddr) Network() string { return "resumeio" }
func (placeholderAddr) String() string  { return "unattached" }

var _ net.Conn = (*Placeholder)(nil)
