package httpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/proxyhost/proxyaddr"
	"github.com/postalsys/proxyhost/proxyerr"
)

// Scenario 3: HTTP CONNECT server with an upstream echo.
func TestEndToEndConnectTunnel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := NewServer(DefaultConfig())

	done := make(chan struct{})
	go func() {
		clientConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
		br := bufio.NewReader(clientConn)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Errorf("reading response: %v", err)
			close(done)
			return
		}
		if resp.StatusCode != 200 {
			t.Errorf("got status %d", resp.StatusCode)
		}
		clientConn.Write([]byte("ping"))
		buf := make([]byte, 4)
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(clientConn, buf); err != nil {
			t.Errorf("reading echo: %v", err)
		} else if string(buf) != "ping" {
			t.Errorf("got %q", buf)
		}
		clientConn.Close()
		close(done)
	}()

	v, err := srv.Accept(context.Background(), serverConn)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	in, ok := v.(*ConnectInterrupted)
	if !ok {
		t.Fatalf("expected *ConnectInterrupted, got %T", v)
	}
	wantDest := proxyaddr.Domain("example.com", 443)
	if !in.Addr().Equal(wantDest) {
		t.Fatalf("got dest %+v want %+v", in.Addr(), wantDest)
	}

	upstreamClient, upstreamServer := net.Pipe()
	go io.Copy(upstreamServer, upstreamServer)

	go in.Serve(context.Background(), upstreamClient)
	<-done
}

// Scenario 4: HTTP CONNECT rejection.
func TestEndToEndConnectRejection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := NewServer(DefaultConfig())

	done := make(chan *http.Response, 1)
	go func() {
		clientConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
		br := bufio.NewReader(clientConn)
		resp, _ := http.ReadResponse(br, nil)
		done <- resp
	}()

	v, err := srv.Accept(context.Background(), serverConn)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	in := v.(*ConnectInterrupted)
	if err := in.ReplyError(proxyerr.ConnectionNotAllowedByRuleset); err != nil {
		t.Fatalf("ReplyError: %v", err)
	}

	resp := <-done
	if resp == nil {
		t.Fatal("no response received")
	}
	if resp.StatusCode != 403 {
		t.Fatalf("got status %d, want 403", resp.StatusCode)
	}
}

// Scenario 5: forward HTTP proxy.
func TestEndToEndForwardProxy(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := NewServer(DefaultConfig())

	done := make(chan *http.Response, 1)
	go func() {
		clientConn.Write([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		br := bufio.NewReader(clientConn)
		resp, _ := http.ReadResponse(br, nil)
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body = io.NopCloser(strings.NewReader(string(body)))
		}
		done <- resp
	}()

	v, err := srv.Accept(context.Background(), serverConn)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	in, ok := v.(*RequestInterrupted)
	if !ok {
		t.Fatalf("expected *RequestInterrupted, got %T", v)
	}
	wantDest := proxyaddr.Domain("example.com", 80)
	if !in.Addr().Equal(wantDest) {
		t.Fatalf("got dest %+v want %+v", in.Addr(), wantDest)
	}

	upstreamClient, upstreamServer := net.Pipe()
	go func() {
		br := bufio.NewReader(upstreamServer)
		http.ReadRequest(br)
		upstreamServer.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	}()

	if err := in.Serve(context.Background(), upstreamClient); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	resp := <-done
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Fatalf("got body %q", body)
	}
}

// A client that doesn't wait for the 200 response before starting TLS can
// land its ClientHello in the same packet/write as the CONNECT request.
// Those trailing bytes must survive the handoff from the bufio.Reader used
// to parse the request to the raw connection used to splice the tunnel.
func TestAcceptPreservesBufferedBytesAfterConnect(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := NewServer(DefaultConfig())

	const trailing = "clienthello-bytes"
	done := make(chan struct{})
	go func() {
		clientConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n" + trailing))
		br := bufio.NewReader(clientConn)
		http.ReadResponse(br, nil)
		close(done)
	}()

	v, err := srv.Accept(context.Background(), serverConn)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	in := v.(*ConnectInterrupted)

	upstreamClient, upstreamServer := net.Pipe()
	go in.Serve(context.Background(), upstreamClient)
	<-done

	buf := make([]byte, len(trailing))
	upstreamServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(upstreamServer, buf); err != nil {
		t.Fatalf("reading leftover buffered bytes via tunnel: %v", err)
	}
	if string(buf) != trailing {
		t.Fatalf("got %q, want %q", buf, trailing)
	}
	clientConn.Close()
	upstreamServer.Close()
}

func parseConnectRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	return req
}

func TestConnectRejectsHostAuthorityPortMismatch(t *testing.T) {
	req := parseConnectRequest(t, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	_, err := connectDestination(req)
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Kind != proxyerr.InvalidAddress {
		t.Fatalf("expected InvalidAddress on Host/authority mismatch, got %v", err)
	}
}

func TestConnectTargetWinsWhenNoHostHeader(t *testing.T) {
	req := parseConnectRequest(t, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	dest, err := connectDestination(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := proxyaddr.Domain("example.com", 443)
	if !dest.Equal(want) {
		t.Fatalf("got dest %+v, want %+v", dest, want)
	}
}

func TestConnectHostHeaderDefaultsPort80(t *testing.T) {
	req := parseConnectRequest(t, "CONNECT example.com:80 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	dest, err := connectDestination(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dest.Port != 80 {
		t.Fatalf("expected default port 80, got %d", dest.Port)
	}
}

func TestClientConnectSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	cli := NewClient(DefaultConfig())

	go func() {
		br := bufio.NewReader(serverConn)
		req, _ := http.ReadRequest(br)
		if req.Method != http.MethodConnect {
			t.Errorf("expected CONNECT, got %s", req.Method)
		}
		serverConn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	}()

	stream, err := cli.Connect(context.Background(), clientConn, proxyaddr.Domain("example.com", 443))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if stream == nil {
		t.Fatal("expected non-nil stream")
	}
}

func TestClientConnectFailureStatus(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	cli := NewClient(DefaultConfig())

	go func() {
		br := bufio.NewReader(serverConn)
		http.ReadRequest(br)
		serverConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"))
	}()

	_, err := cli.Connect(context.Background(), clientConn, proxyaddr.Domain("example.com", 443))
	if err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestStripHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "Keep-Alive")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("X-Custom", "value")
	stripHopByHopHeaders(h)

	if h.Get("Keep-Alive") != "" || h.Get("Proxy-Authorization") != "" {
		t.Fatalf("expected hop-by-hop headers stripped, got %v", h)
	}
	if h.Get("X-Custom") != "value" {
		t.Fatalf("expected X-Custom preserved")
	}
}
