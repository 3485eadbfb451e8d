package resumeio

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestAttachUnblocksParkedRead(t *testing.T) {
	placeholder, controller := New(time.Second)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	readDone := make(chan struct{})
	var buf [5]byte
	var n int
	var err error
	go func() {
		n, err = placeholder.Read(buf[:])
		close(readDone)
	}()

	// Give the goroutine a moment to park on waitReady before attaching.
	time.Sleep(20 * time.Millisecond)
	controller.Attach(serverConn)

	go clientConn.Write([]byte("hello"))

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after Attach")
	}

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadBeforeAttachTimesOut(t *testing.T) {
	placeholder, _ := New(30 * time.Millisecond)

	_, err := placeholder.Read(make([]byte, 1))
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestCloseBeforeAttachFailsParkedIO(t *testing.T) {
	placeholder, _ := New(time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := placeholder.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	placeholder.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestAttachTwiceIsNoop(t *testing.T) {
	placeholder, controller := New(time.Second)
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	controller.Attach(a)
	controller.Attach(b)

	if placeholder.RemoteAddr() == nil {
		t.Fatal("expected attached remote addr")
	}
	placeholder.Close()
}

func TestIOAfterAttachIsPassthrough(t *testing.T) {
	placeholder, controller := New(time.Second)
	serverConn, clientConn := net.Pipe()
	controller.Attach(serverConn)

	go func() {
		io.Copy(clientConn, clientConn)
	}()

	done := make(chan struct{})
	go func() {
		placeholder.Write([]byte("ping"))
		close(done)
	}()

	buf := make([]byte, 4)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientConn, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}
	<-done
}
