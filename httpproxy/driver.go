package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/postalsys/proxyhost/internal/proxylog"
	"github.com/postalsys/proxyhost/proxyaddr"
	"github.com/postalsys/proxyhost/proxyerr"
	"github.com/postalsys/proxyhost/resumeio"
	"github.com/postalsys/proxyhost/splice"
)

// Config configures a Server or Client.
type Config struct {
	// AuthMethod is carried for configuration-shape parity with the
	// SOCKS5 driver; it has no effect at present (see AuthMethod docs).
	AuthMethod AuthMethod
	// ResumeTimeout is carried for configuration; the driver does not read
	// it. ServeResumable takes the placeholder timeout as its own argument,
	// and a timeout of 0 there falls back to resumeio.DefaultTimeout.
	ResumeTimeout time.Duration
	Logger        *slog.Logger
	// Limiter, if set, throttles the bytes forwarded in either direction
	// of a CONNECT tunnel's Serve call. Nil imposes no limit.
	Limiter *splice.Limiter
}

func DefaultConfig() Config {
	return Config{AuthMethod: AuthNoAuth}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return proxylog.NopLogger()
}

// Server runs the HTTP request parser directly off the connection
// (bufio.Reader + http.ReadRequest). This avoids
// net/http.Server's own goroutine/deadline model, which would fight the
// one-task-per-session scheduling this library assumes, and it lets the
// CONNECT success path attach synchronously, sidestepping the two-phase
// ResumableIO dance a framework-hosted server would require.
type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// ConnectInterrupted is yielded for a parsed CONNECT request.
type ConnectInterrupted struct {
	conn    net.Conn
	dest    proxyaddr.Address
	logger  *slog.Logger
	limiter *splice.Limiter
	done    bool
}

func (i *ConnectInterrupted) Addr() proxyaddr.Address { return i.dest }

// ProxiedStream writes the 200 response and returns the raw client
// connection for the host to manage directly.
func (i *ConnectInterrupted) ProxiedStream(ctx context.Context) (net.Conn, error) {
	if i.done {
		return nil, proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	if err := writeConnectSuccess(i.conn); err != nil {
		return nil, proxyerr.Wrap(proxyerr.HttpSendResponse, err)
	}
	return i.conn, nil
}

// Serve writes the 200 response then splices the client connection with
// upstream.
func (i *ConnectInterrupted) Serve(ctx context.Context, upstream net.Conn) (sentFromClient, sentToClient int64, err error) {
	if i.done {
		return 0, 0, proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	if err := writeConnectSuccess(i.conn); err != nil {
		return 0, 0, proxyerr.Wrap(proxyerr.HttpSendResponse, err)
	}
	return splice.CopyBidirectionalRateLimited(ctx, i.conn, upstream, i.limiter, i.logger)
}

// ServeResumable is the two-phase variant: it
// writes the 200 response, then returns a resumeio.Placeholder (usable
// immediately as a net.Conn) paired with a Controller that is not yet
// attached. A host fronting this driver behind its own HTTP server,
// which only surfaces the raw upgraded connection after the response
// has flushed, can hand the placeholder onward right away and call
// Controller.Attach once the real connection materializes; reads and
// writes on the placeholder park until then.
func (i *ConnectInterrupted) ServeResumable(ctx context.Context, timeout time.Duration) (*resumeio.Placeholder, *resumeio.Controller, error) {
	if i.done {
		return nil, nil, proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	if err := writeConnectSuccess(i.conn); err != nil {
		return nil, nil, proxyerr.Wrap(proxyerr.HttpSendResponse, err)
	}
	placeholder, controller := resumeio.New(timeout)
	return placeholder, controller, nil
}

// ReplyError writes the mapped HTTP status response and closes the
// connection.
func (i *ConnectInterrupted) ReplyError(kind proxyerr.Kind) error {
	if i.done {
		return proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	defer i.conn.Close()
	return writeStatusResponse(i.conn, kind.HTTPStatus())
}

// RequestInterrupted is yielded for a parsed non-CONNECT (forward-proxy)
// request.
type RequestInterrupted struct {
	conn   net.Conn
	dest   proxyaddr.Address
	req    *http.Request
	logger *slog.Logger
	done   bool
}

func (i *RequestInterrupted) Addr() proxyaddr.Address { return i.dest }
func (i *RequestInterrupted) Request() *http.Request  { return i.req }

// Serve performs an HTTP/1.1 client handshake against upstream, forwards
// the original request, and relays the response back to the client.
func (i *RequestInterrupted) Serve(ctx context.Context, upstream net.Conn) error {
	if i.done {
		return proxyerr.New(proxyerr.Closed)
	}
	i.done = true

	outReq := i.req.Clone(ctx)
	stripHopByHopHeaders(outReq.Header)
	if err := outReq.Write(upstream); err != nil {
		return proxyerr.Wrap(proxyerr.HttpSendRequest, err)
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, outReq)
	if err != nil {
		return proxyerr.Wrap(proxyerr.HttpSendRequest, err)
	}
	defer resp.Body.Close()

	stripHopByHopHeaders(resp.Header)
	if err := resp.Write(i.conn); err != nil {
		return proxyerr.Wrap(proxyerr.HttpSendResponse, err)
	}
	return nil
}

// ReplyError writes the mapped HTTP status response and closes the
// connection.
func (i *RequestInterrupted) ReplyError(kind proxyerr.Kind) error {
	if i.done {
		return proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	defer i.conn.Close()
	return writeStatusResponse(i.conn, kind.HTTPStatus())
}

// Accept reads and classifies the next request, returning either a
// *ConnectInterrupted or a *RequestInterrupted.
func (s *Server) Accept(ctx context.Context, conn net.Conn) (any, error) {
	br := bufio.NewReader(conn)
	classified, err := readRequest(br)
	if err != nil {
		if perr, ok := err.(*proxyerr.Error); ok {
			writeStatusResponse(conn, 400)
			return nil, perr
		}
		return nil, err
	}

	conn, err = drainBufferedConn(conn, br)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.HttpCreateRequest, err)
	}

	switch classified.kind {
	case kindConnect:
		return &ConnectInterrupted{conn: conn, dest: classified.dest, logger: s.cfg.logger(), limiter: s.cfg.Limiter}, nil
	default:
		return &RequestInterrupted{conn: conn, dest: classified.dest, req: classified.req, logger: s.cfg.logger()}, nil
	}
}

// drainBufferedConn returns conn wrapped so that any bytes http.ReadRequest
// already pulled into br's internal buffer past the request's terminating
// CRLFCRLF — a pipelined TLS ClientHello sent in the same write as a CONNECT
// request is a common case — are replayed before reads resume from the
// socket. Without this, switching from br to the raw conn once the request
// line and headers are parsed silently drops those bytes.
func drainBufferedConn(conn net.Conn, br *bufio.Reader) (net.Conn, error) {
	n := br.Buffered()
	if n == 0 {
		return conn, nil
	}
	leftover, err := br.Peek(n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	copy(buf, leftover)
	return &bufferedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buf), conn)}, nil
}

// bufferedConn is a net.Conn whose Read first drains bytes left over in a
// bufio.Reader before falling through to the underlying connection.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Client drives the client-side HTTP CONNECT handshake.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Connect performs an HTTP/1.1 CONNECT handshake and returns the
// tunneled connection on a 2xx response.
func (c *Client) Connect(ctx context.Context, conn net.Conn, dest proxyaddr.Address) (net.Conn, error) {
	target := dest.String()
	reqLine := "CONNECT " + target + " HTTP/1.1\r\n" +
		"Host: " + target + "\r\n" +
		"Proxy-Connection: keep-alive\r\n\r\n"

	if _, err := conn.Write([]byte(reqLine)); err != nil {
		return nil, proxyerr.Wrap(proxyerr.HttpSendRequest, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.HttpSendRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, proxyerr.Wrap(proxyerr.HttpUpgrade, &statusError{resp.StatusCode})
	}
	return conn, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
