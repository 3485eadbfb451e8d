// Package httpproxy implements the HTTP CONNECT / forward-proxy codec
// and the interruptible server/client handshake drivers built on it.
package httpproxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/postalsys/proxyhost/proxyaddr"
	"github.com/postalsys/proxyhost/proxyerr"
)

// AuthMethod is the HTTP driver's authentication extension point. Only
// NoAuth has semantic effect today; other values are carried on the wire
// configuration but have no effect at present.
type AuthMethod int

const (
	AuthNoAuth AuthMethod = iota
)

// requestKind classifies a parsed HTTP/1.1 request.
type requestKind int

const (
	kindConnect requestKind = iota
	kindForward
)

// classifiedRequest is the result of reading one request off the wire
// and determining its destination.
type classifiedRequest struct {
	kind requestKind
	dest proxyaddr.Address
	req  *http.Request
}

// readRequest parses the next HTTP/1.1 request from br and classifies it.
func readRequest(br *bufio.Reader) (*classifiedRequest, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.HttpCreateRequest, err)
	}

	if req.Method == http.MethodConnect {
		dest, err := connectDestination(req)
		if err != nil {
			return nil, err
		}
		return &classifiedRequest{kind: kindConnect, dest: dest, req: req}, nil
	}

	dest, err := forwardDestination(req)
	if err != nil {
		return nil, err
	}
	return &classifiedRequest{kind: kindForward, dest: dest, req: req}, nil
}

// connectDestination resolves the CONNECT target from the request-line
// authority. A Host header, if present, must agree with that authority
// (after defaulting a colon-less Host to :80) or the request is rejected
// outright — it is never used as a silent override. Only when no Host
// header was sent at all does the target's own authority proceed
// unchecked.
func connectDestination(req *http.Request) (proxyaddr.Address, error) {
	target := req.RequestURI
	targetHost, targetPort, err := net.SplitHostPort(target)
	if err != nil {
		return proxyaddr.Address{}, proxyerr.New(proxyerr.InvalidAddress)
	}

	if hostHeader := req.Header.Get("Host"); hostHeader != "" {
		if !httpguts.ValidHostHeader(hostHeader) {
			return proxyaddr.Address{}, proxyerr.New(proxyerr.InvalidAddress)
		}
		normalizedHost := hostHeader
		if !strings.Contains(hostHeader, ":") {
			normalizedHost = hostHeader + ":80"
		}
		if normalizedHost != target {
			return proxyaddr.Address{}, proxyerr.New(proxyerr.InvalidAddress)
		}
	}

	return hostPortToAddress(targetHost, targetPort)
}

// forwardDestination resolves the destination for a non-CONNECT
// (ordinary forward-proxy) request from its Host header, defaulting :80.
func forwardDestination(req *http.Request) (proxyaddr.Address, error) {
	hostHeader := req.Host
	if hostHeader == "" {
		hostHeader = req.Header.Get("Host")
	}
	if hostHeader == "" {
		return proxyaddr.Address{}, proxyerr.New(proxyerr.InvalidAddress)
	}
	if !httpguts.ValidHostHeader(hostHeader) {
		return proxyaddr.Address{}, proxyerr.New(proxyerr.InvalidAddress)
	}
	host, port, err := net.SplitHostPort(hostHeader)
	if err != nil {
		host, port = hostHeader, "80"
	}
	return hostPortToAddress(host, port)
}

func hostPortToAddress(host, portStr string) (proxyaddr.Address, error) {
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return proxyaddr.Address{}, proxyerr.New(proxyerr.InvalidAddress)
	}
	return proxyaddr.ParseString(net.JoinHostPort(host, strconv.FormatUint(port, 10)))
}

// writeConnectSuccess writes the fixed "tunnel established" response.
func writeConnectSuccess(w interface{ Write([]byte) (int, error) }) error {
	_, err := w.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	return err
}

// writeStatusResponse writes a minimal status-line-and-headers response
// for a rejected CONNECT or a 4xx/5xx classification failure.
func writeStatusResponse(w interface{ Write([]byte) (int, error) }, status int) error {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status, text)
	_, err := w.Write([]byte(resp))
	return err
}

// stripHopByHopHeaders removes the headers RFC 7230 §6.1 designates as
// connection-specific before a forward-proxy request/response is
// relayed to/from the upstream.
func stripHopByHopHeaders(h http.Header) {
	hopByHop := []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	}
	if conn := h.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(token))
		}
	}
	for _, field := range hopByHop {
		h.Del(field)
	}
}
