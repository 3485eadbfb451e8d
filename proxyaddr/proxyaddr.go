// Package proxyaddr implements the destination address type shared by the
// SOCKS5 and HTTP proxy codecs: parsing from strings, RFC 1035 domain
// validation, and the SOCKS wire encoding (RFC 1928 §5).
package proxyaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/postalsys/proxyhost/proxyerr"
)

// Kind discriminates the three forms a destination address can take.
type Kind int

const (
	KindDomain Kind = iota
	KindIPv4
	KindIPv6
)

// Address is a destination: either a domain name plus port, or an IPv4 or
// IPv6 socket address. Only the fields relevant to Kind are meaningful.
type Address struct {
	Kind   Kind
	Domain string
	IP     net.IP
	Port   uint16
}

// Domain constructs a domain-form Address without revalidating name —
// callers that already validated (via ParseString) or that are decoding
// from the wire, which never revalidates, use this directly.
func Domain(name string, port uint16) Address {
	return Address{Kind: KindDomain, Domain: name, Port: port}
}

// FromIP constructs an IP-form Address, choosing KindIPv4 or KindIPv6
// based on the length of ip.To4()/To16().
func FromIP(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Kind: KindIPv4, IP: v4, Port: port}
	}
	return Address{Kind: KindIPv6, IP: ip.To16(), Port: port}
}

// Zero is the all-zeros IPv4 address used to fill BND fields on error replies.
func Zero() Address {
	return Address{Kind: KindIPv4, IP: net.IPv4(0, 0, 0, 0).To4(), Port: 0}
}

func (a Address) String() string {
	switch a.Kind {
	case KindDomain:
		return net.JoinHostPort(a.Domain, strconv.Itoa(int(a.Port)))
	default:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	}
}

// Equal reports structural equality: IP forms compare by net.IP.Equal,
// domain forms by exact string match.
func (a Address) Equal(b Address) bool {
	if a.Kind != b.Kind || a.Port != b.Port {
		return false
	}
	if a.Kind == KindDomain {
		return a.Domain == b.Domain
	}
	return a.IP.Equal(b.IP)
}

// ParseString accepts "IP:port" (v4 dotted or v6 bracketed) or
// "host:port", splitting at the rightmost colon (net.SplitHostPort
// already does this correctly for bracketed IPv6). Ports 0-65535 are
// accepted. A bare host is validated against RFC 1035 label rules.
func ParseString(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, proxyerr.Wrap(proxyerr.InvalidAddress, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port > 65535 {
		return Address{}, proxyerr.Wrap(proxyerr.InvalidAddress, fmt.Errorf("invalid port %q", portStr))
	}

	if ip := net.ParseIP(host); ip != nil {
		return FromIP(ip, uint16(port)), nil
	}

	if err := validateDomain(host); err != nil {
		return Address{}, proxyerr.Wrap(proxyerr.InvalidAddress, err)
	}
	return Domain(host, uint16(port)), nil
}

// validateDomain enforces RFC 1035 label rules: overall length <= 253,
// each label <= 63, alphanumeric+hyphen only, no leading/trailing hyphen,
// no leading digit, no empty labels.
func validateDomain(host string) error {
	if host == "" || len(host) > 253 {
		return fmt.Errorf("domain length out of range: %q", host)
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if err := validateLabel(label); err != nil {
			return err
		}
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" || len(label) > 63 {
		return fmt.Errorf("invalid label length: %q", label)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("label must not start or end with hyphen: %q", label)
	}
	if label[0] >= '0' && label[0] <= '9' {
		return fmt.Errorf("label must not start with a digit: %q", label)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return fmt.Errorf("invalid character %q in label %q", c, label)
		}
	}
	return nil
}

// EncodeSOCKS writes the SOCKS wire form: ATYP byte, address bytes
// (length-prefixed for domains), then big-endian port.
func (a Address) EncodeSOCKS() []byte {
	var buf []byte
	switch a.Kind {
	case KindIPv4:
		buf = append(buf, 0x01)
		buf = append(buf, a.IP.To4()...)
	case KindIPv6:
		buf = append(buf, 0x04)
		buf = append(buf, a.IP.To16()...)
	case KindDomain:
		name := []byte(a.Domain)
		buf = append(buf, 0x03, byte(len(name)))
		buf = append(buf, name...)
	}
	buf = append(buf, byte(a.Port>>8), byte(a.Port))
	return buf
}

// ATYP wire type identifiers (RFC 1928 §5).
const (
	ATYPIPv4   = 0x01
	ATYPDomain = 0x03
	ATYPIPv6   = 0x04
)

// DecodeSOCKS decodes the address body (everything after the already
// consumed ATYP byte). Domain names are decoded with lossy UTF-8 (invalid
// sequences become U+FFFD) and are not revalidated against RFC 1035 —
// only addresses produced by ParseString carry that guarantee.
func DecodeSOCKS(atyp byte, body []byte) (a Address, consumed int, err error) {
	switch atyp {
	case ATYPIPv4:
		if len(body) < 6 {
			return Address{}, 0, proxyerr.New(proxyerr.InvalidAddress)
		}
		ip := net.IPv4(body[0], body[1], body[2], body[3])
		port := uint16(body[4])<<8 | uint16(body[5])
		return FromIP(ip, port), 6, nil
	case ATYPDomain:
		if len(body) < 1 {
			return Address{}, 0, proxyerr.New(proxyerr.InvalidAddress)
		}
		l := int(body[0])
		if len(body) < 1+l+2 {
			return Address{}, 0, proxyerr.New(proxyerr.InvalidAddress)
		}
		name := toValidUTF8Lossy(body[1 : 1+l])
		port := uint16(body[1+l])<<8 | uint16(body[1+l+1])
		return Domain(name, port), 1 + l + 2, nil
	case ATYPIPv6:
		if len(body) < 18 {
			return Address{}, 0, proxyerr.New(proxyerr.InvalidAddress)
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, body[:16])
		port := uint16(body[16])<<8 | uint16(body[17])
		return FromIP(ip, port), 18, nil
	default:
		return Address{}, 0, proxyerr.New(proxyerr.AddressTypeNotSupported)
	}
}

// toValidUTF8Lossy replaces invalid UTF-8 byte sequences with U+FFFD,
// preserving the Open Question's decision to do lossy conversion without
// IDNA normalization.
func toValidUTF8Lossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
