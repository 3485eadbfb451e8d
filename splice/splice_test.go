package splice

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestCopyBidirectionalForwardsBothDirections(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	done := make(chan struct{})
	var nAtoB, nBtoA int64
	var err error
	go func() {
		nAtoB, nBtoA, err = CopyBidirectional(context.Background(), aServer, bServer, nil)
		close(done)
	}()

	go func() {
		aClient.Write([]byte("hello from a"))
		reply := make([]byte, len("hi from b"))
		io.ReadFull(aClient, reply)
		aClient.Close()
	}()

	buf := make([]byte, 64)
	n, rerr := io.ReadFull(bClient, buf[:len("hello from a")])
	if rerr != nil {
		t.Fatalf("reading forwarded bytes: %v", rerr)
	}
	if string(buf[:n]) != "hello from a" {
		t.Fatalf("got %q", buf[:n])
	}

	bClient.Write([]byte("hi from b"))
	bClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CopyBidirectional did not complete")
	}

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nAtoB != int64(len("hello from a")) {
		t.Fatalf("nAtoB = %d", nAtoB)
	}
	if nBtoA != int64(len("hi from b")) {
		t.Fatalf("nBtoA = %d", nBtoA)
	}
}

func TestCopyBidirectionalOneSideClosesEarly(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	done := make(chan struct{})
	go func() {
		CopyBidirectional(context.Background(), aServer, bServer, nil)
		close(done)
	}()

	aClient.Close()
	bClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CopyBidirectional did not complete after both sides closed")
	}
}
