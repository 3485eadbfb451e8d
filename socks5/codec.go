// Package socks5 implements the SOCKS5 (RFC 1928) wire codec and the
// interruptible server/client handshake drivers built on top of it.
package socks5

import (
	"io"

	"github.com/postalsys/proxyhost/proxyaddr"
	"github.com/postalsys/proxyhost/proxyerr"
)

// Version is the SOCKS protocol version byte. 5 is the only value the
// wire accepts; any other byte where a version is expected is a protocol
// error.
type Version byte

const Version5 Version = 0x05

// AuthMethod identifies a SOCKS5 authentication method. Unlike a closed
// enum, any byte value is a valid AuthMethod — unrecognized values are
// simply values the negotiation logic doesn't select, not a distinct
// "Other" case, since Go has no closed enums to escape from.
type AuthMethod byte

const (
	AuthNoAuth         AuthMethod = 0x00
	AuthGSSAPI         AuthMethod = 0x01
	AuthUserPass       AuthMethod = 0x02
	AuthNoAcceptable   AuthMethod = 0xFF
)

// Command identifies the SOCKS5 request command.
type Command byte

const (
	CommandConnect      Command = 0x01
	CommandBind         Command = 0x02
	CommandUDPAssociate Command = 0x03
)

// ReplyCode identifies the SOCKS5 reply status.
type ReplyCode byte

const (
	ReplySucceeded                 ReplyCode = 0x00
	ReplyGeneralServerFailure      ReplyCode = 0x01
	ReplyConnectionNotAllowed      ReplyCode = 0x02
	ReplyNetworkUnreachable        ReplyCode = 0x03
	ReplyHostUnreachable           ReplyCode = 0x04
	ReplyConnectionRefused         ReplyCode = 0x05
	ReplyTTLExpired                ReplyCode = 0x06
	ReplyCommandNotSupported       ReplyCode = 0x07
	ReplyAddressTypeNotSupported   ReplyCode = 0x08
)

// ReplyFromKind converts a proxyerr.Kind into its wire reply code.
func ReplyFromKind(k proxyerr.Kind) ReplyCode {
	return ReplyCode(k.SocksReply())
}

// AuthRequest is the client greeting: the set of methods it offers.
// Invariant: 1-255 entries (the wire NMETHODS byte is a single byte).
type AuthRequest struct {
	Methods []AuthMethod
}

func (r *AuthRequest) ReadFrom(rd io.Reader) (int64, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rd, header); err != nil {
		return 0, err
	}
	if Version(header[0]) != Version5 {
		return 2, proxyerr.New(proxyerr.InvalidVersion)
	}
	n := int(header[1])
	if n == 0 {
		return 2, proxyerr.New(proxyerr.MethodNotProvided)
	}
	methodBytes := make([]byte, n)
	if _, err := io.ReadFull(rd, methodBytes); err != nil {
		return int64(2 + len(methodBytes)), err
	}
	r.Methods = make([]AuthMethod, n)
	for i, b := range methodBytes {
		r.Methods[i] = AuthMethod(b)
	}
	return int64(2 + n), nil
}

func (r *AuthRequest) WriteTo(w io.Writer) (int64, error) {
	if len(r.Methods) == 0 {
		return 0, proxyerr.New(proxyerr.MethodNotProvided)
	}
	if len(r.Methods) > 255 {
		return 0, proxyerr.New(proxyerr.TooManyMethods)
	}
	buf := make([]byte, 2+len(r.Methods))
	buf[0] = byte(Version5)
	buf[1] = byte(len(r.Methods))
	for i, m := range r.Methods {
		buf[2+i] = byte(m)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// Has reports whether the request advertises the given method.
func (r *AuthRequest) Has(m AuthMethod) bool {
	for _, have := range r.Methods {
		if have == m {
			return true
		}
	}
	return false
}

// AuthResponse is the server's method selection.
type AuthResponse struct {
	Method AuthMethod
}

func (r *AuthResponse) ReadFrom(rd io.Reader) (int64, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return 0, err
	}
	if Version(buf[0]) != Version5 {
		return 2, proxyerr.New(proxyerr.InvalidVersion)
	}
	r.Method = AuthMethod(buf[1])
	return 2, nil
}

func (r *AuthResponse) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write([]byte{byte(Version5), byte(r.Method)})
	return int64(n), err
}

// CommandRequest is the client's CONNECT/BIND/UDP-ASSOCIATE request.
// Invariant: the reserved byte is always written as 0 and ignored on read.
type CommandRequest struct {
	Command Command
	Dest    proxyaddr.Address
}

func (r *CommandRequest) ReadFrom(rd io.Reader) (int64, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(rd, header); err != nil {
		return 0, err
	}
	var total int64 = 4
	if Version(header[0]) != Version5 {
		return total, proxyerr.New(proxyerr.InvalidVersion)
	}
	r.Command = Command(header[1])
	// header[2] is reserved, ignored.
	atyp := header[3]

	bodyLen, prefix, err := bodyLenForATYP(atyp, rd)
	if err != nil {
		return total, err
	}
	body := make([]byte, bodyLen)
	n := copy(body, prefix)
	if _, err := io.ReadFull(rd, body[n:]); err != nil {
		return total, err
	}
	total += int64(bodyLen)

	dest, _, err := proxyaddr.DecodeSOCKS(atyp, body)
	if err != nil {
		return total, err
	}
	r.Dest = dest
	return total, nil
}

// bodyLenForATYP returns the total length of the address body for a given
// ATYP value, together with the leading bytes of that body it already
// consumed from rd (the domain form needs its length prefix read first
// since its size is variable).
func bodyLenForATYP(atyp byte, rd io.Reader) (int, []byte, error) {
	switch atyp {
	case proxyaddr.ATYPIPv4:
		return 6, nil, nil
	case proxyaddr.ATYPIPv6:
		return 18, nil, nil
	case proxyaddr.ATYPDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(rd, lenBuf); err != nil {
			return 0, nil, err
		}
		return 1 + int(lenBuf[0]) + 2, lenBuf, nil
	default:
		return 0, nil, proxyerr.New(proxyerr.AddressTypeNotSupported)
	}
}

func (r *CommandRequest) WriteTo(w io.Writer) (int64, error) {
	encoded := r.Dest.EncodeSOCKS()
	buf := make([]byte, 3+len(encoded))
	buf[0] = byte(Version5)
	buf[1] = byte(r.Command)
	buf[2] = 0x00
	copy(buf[3:], encoded)
	n, err := w.Write(buf)
	return int64(n), err
}

// CommandResponse is the server's reply to a CommandRequest.
type CommandResponse struct {
	Reply ReplyCode
	Bind  proxyaddr.Address
}

func (r *CommandResponse) ReadFrom(rd io.Reader) (int64, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(rd, header); err != nil {
		return 0, err
	}
	var total int64 = 4
	if Version(header[0]) != Version5 {
		return total, proxyerr.New(proxyerr.InvalidVersion)
	}
	r.Reply = ReplyCode(header[1])
	atyp := header[3]

	bodyLen, prefix, err := bodyLenForATYP(atyp, rd)
	if err != nil {
		return total, err
	}
	body := make([]byte, bodyLen)
	n := copy(body, prefix)
	if _, err := io.ReadFull(rd, body[n:]); err != nil {
		return total, err
	}
	total += int64(bodyLen)

	bind, _, err := proxyaddr.DecodeSOCKS(atyp, body)
	if err != nil {
		return total, err
	}
	r.Bind = bind
	return total, nil
}

func (r *CommandResponse) WriteTo(w io.Writer) (int64, error) {
	encoded := r.Bind.EncodeSOCKS()
	buf := make([]byte, 3+len(encoded))
	buf[0] = byte(Version5)
	buf[1] = byte(r.Reply)
	buf[2] = 0x00
	copy(buf[3:], encoded)
	n, err := w.Write(buf)
	return int64(n), err
}

// writeErrorReply writes the fixed-form error reply:
// [05, code, 00, 01, 00,00,00,00, 00,00] — an IPv4 zero-address BND.
func writeErrorReply(w io.Writer, code ReplyCode) error {
	resp := CommandResponse{Reply: code, Bind: proxyaddr.Zero()}
	_, err := resp.WriteTo(w)
	return err
}
