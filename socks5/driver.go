package socks5

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/postalsys/proxyhost/internal/proxylog"
	"github.com/postalsys/proxyhost/proxyaddr"
	"github.com/postalsys/proxyhost/proxyerr"
	"github.com/postalsys/proxyhost/splice"
)

// Authenticator negotiates one SOCKS5 authentication method beyond the
// wire-level "no authentication required" case the core library always
// supports. Semantic credential validation is a host concern (see
// internal/proxyauth); the core only dispatches to whichever
// Authenticator matches the negotiated method.
type Authenticator interface {
	Method() AuthMethod
	// Authenticate runs the method's sub-negotiation (if any) and returns
	// the authenticated principal name, or an error to fail the handshake.
	Authenticate(r io.Reader, w io.Writer) (string, error)
}

// noAuthAuthenticator implements the always-available NoAuth method.
type noAuthAuthenticator struct{}

func (noAuthAuthenticator) Method() AuthMethod                          { return AuthNoAuth }
func (noAuthAuthenticator) Authenticate(io.Reader, io.Writer) (string, error) { return "", nil }

// Config configures a Server or Client.
type Config struct {
	// AuthMethods is the set of methods offered (client) or accepted
	// (server). Defaults to [NoAuth].
	AuthMethods []AuthMethod
	// Authenticators supplies handling for methods beyond NoAuth, keyed
	// by the Authenticator's own Method(). NoAuth is always handled
	// internally and needs no entry here.
	Authenticators []Authenticator
	// Logger receives structured diagnostics. Defaults to a no-op logger
	// so the library is silent unless a host opts in.
	Logger *slog.Logger
	// Limiter, if set, throttles the bytes forwarded in either direction
	// of every Serve call. Nil imposes no limit.
	Limiter *splice.Limiter
}

// DefaultConfig returns the conservative default: NoAuth only.
func DefaultConfig() Config {
	return Config{AuthMethods: []AuthMethod{AuthNoAuth}}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return proxylog.NopLogger()
}

func (c Config) authenticator(method AuthMethod) Authenticator {
	if method == AuthNoAuth {
		return noAuthAuthenticator{}
	}
	for _, a := range c.Authenticators {
		if a.Method() == method {
			return a
		}
	}
	return nil
}

// Server drives the server-side SOCKS5 handshake state machine over
// accepted connections.
type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if len(cfg.AuthMethods) == 0 {
		cfg.AuthMethods = []AuthMethod{AuthNoAuth}
	}
	return &Server{cfg: cfg}
}

// Interrupted is the handle yielded after reading the client's CommandRequest
// and before the protocol reply is written. It must be consumed exactly
// once via ProxiedStream, Serve or ReplyError.
type Interrupted struct {
	conn    net.Conn
	dest    proxyaddr.Address
	logger  *slog.Logger
	limiter *splice.Limiter
	resolve func(ctx context.Context, result replyDecision) error
	done    bool
}

type replyDecision struct {
	code     ReplyCode
	upstream net.Conn
	raw      bool
}

// Addr returns the destination the client requested.
func (i *Interrupted) Addr() proxyaddr.Address {
	return i.dest
}

// ProxiedStream writes a success reply and returns the raw client stream
// for the host to manage directly (the "Tunneled" terminal state).
func (i *Interrupted) ProxiedStream(ctx context.Context) (net.Conn, error) {
	if i.done {
		return nil, proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	if err := i.resolve(ctx, replyDecision{code: ReplySucceeded, raw: true}); err != nil {
		return nil, err
	}
	return i.conn, nil
}

// Serve writes a success reply then splices the client stream with
// upstream until one side closes (the "Spliced" terminal state).
func (i *Interrupted) Serve(ctx context.Context, upstream net.Conn) (sentFromClient, sentToClient int64, err error) {
	if i.done {
		return 0, 0, proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	if err := i.resolve(ctx, replyDecision{code: ReplySucceeded, upstream: upstream}); err != nil {
		return 0, 0, err
	}
	return splice.CopyBidirectionalRateLimited(ctx, i.conn, upstream, i.limiter, i.logger)
}

// ReplyError writes the fixed-form error reply `[05, code, 00, 01,
// 00,00,00,00, 00,00]` and closes the connection (the "Errored" terminal
// state).
func (i *Interrupted) ReplyError(kind proxyerr.Kind) error {
	if i.done {
		return proxyerr.New(proxyerr.Closed)
	}
	i.done = true
	defer i.conn.Close()
	return writeErrorReply(i.conn, ReplyFromKind(kind))
}

// Accept runs the greeting and command-read states and yields an
// Interrupted handle right after the command request is read, before any
// reply is written.
func (s *Server) Accept(ctx context.Context, conn net.Conn) (*Interrupted, error) {
	logger := s.cfg.logger()

	var greet AuthRequest
	if _, err := greet.ReadFrom(conn); err != nil {
		return nil, err
	}

	var selected AuthMethod = AuthNoAcceptable
	for _, m := range s.cfg.AuthMethods {
		if greet.Has(m) {
			selected = m
			break
		}
	}

	resp := AuthResponse{Method: selected}
	if _, err := resp.WriteTo(conn); err != nil {
		return nil, err
	}
	if selected == AuthNoAcceptable {
		return nil, proxyerr.New(proxyerr.MethodNotSupported)
	}

	auth := s.cfg.authenticator(selected)
	if auth == nil {
		return nil, proxyerr.New(proxyerr.MethodNotSupported)
	}
	if _, err := auth.Authenticate(conn, conn); err != nil {
		return nil, proxyerr.Wrap(proxyerr.MethodNotSupported, err)
	}

	var req CommandRequest
	if _, err := req.ReadFrom(conn); err != nil {
		return nil, err
	}
	if req.Command != CommandConnect {
		if werr := writeErrorReply(conn, ReplyCommandNotSupported); werr != nil {
			logger.Debug("failed writing command-not-supported reply", proxylog.KeyErrorKind, werr.Error())
		}
		return nil, proxyerr.New(proxyerr.CommandNotSupported)
	}

	in := &Interrupted{conn: conn, dest: req.Dest, logger: logger, limiter: s.cfg.Limiter}
	in.resolve = func(ctx context.Context, d replyDecision) error {
		resp := CommandResponse{Reply: d.code, Bind: req.Dest}
		_, err := resp.WriteTo(conn)
		return err
	}
	return in, nil
}

// Client drives the client-side SOCKS5 handshake.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if len(cfg.AuthMethods) == 0 {
		cfg.AuthMethods = []AuthMethod{AuthNoAuth}
	}
	return &Client{cfg: cfg}
}

// Connect runs the full client handshake and returns the tunneled stream
// on success.
func (c *Client) Connect(ctx context.Context, conn net.Conn, dest proxyaddr.Address) (net.Conn, error) {
	greet := AuthRequest{Methods: c.cfg.AuthMethods}
	if _, err := greet.WriteTo(conn); err != nil {
		return nil, err
	}

	var resp AuthResponse
	if _, err := resp.ReadFrom(conn); err != nil {
		return nil, err
	}
	if resp.Method == AuthNoAcceptable || !greet.Has(resp.Method) {
		return nil, proxyerr.New(proxyerr.MethodNotSupported)
	}

	if auth := c.cfg.authenticator(resp.Method); auth != nil {
		if _, err := auth.Authenticate(conn, conn); err != nil {
			return nil, proxyerr.Wrap(proxyerr.MethodNotSupported, err)
		}
	}

	req := CommandRequest{Command: CommandConnect, Dest: dest}
	if _, err := req.WriteTo(conn); err != nil {
		return nil, err
	}

	var cmdResp CommandResponse
	if _, err := cmdResp.ReadFrom(conn); err != nil {
		return nil, err
	}
	if cmdResp.Reply != ReplySucceeded {
		return nil, proxyerr.New(kindForReply(cmdResp.Reply))
	}
	return conn, nil
}

func kindForReply(code ReplyCode) proxyerr.Kind {
	switch code {
	case ReplyGeneralServerFailure:
		return proxyerr.GeneralServerFailure
	case ReplyConnectionNotAllowed:
		return proxyerr.ConnectionNotAllowedByRuleset
	case ReplyNetworkUnreachable:
		return proxyerr.NetworkUnreachable
	case ReplyHostUnreachable:
		return proxyerr.HostUnreachable
	case ReplyConnectionRefused:
		return proxyerr.ConnectionRefused
	case ReplyTTLExpired:
		return proxyerr.TtlExpired
	case ReplyCommandNotSupported:
		return proxyerr.CommandNotSupported
	case ReplyAddressTypeNotSupported:
		return proxyerr.AddressTypeNotSupported
	default:
		return proxyerr.GeneralServerFailure
	}
}
