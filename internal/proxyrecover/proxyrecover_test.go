package proxyrecover

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestWithLogRecoversAndLogsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer WithLog(logger, "test-goroutine")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Fatalf("expected log to contain %q, got %q", "panic recovered", out)
	}
	if !strings.Contains(out, "test-goroutine") {
		t.Fatalf("expected log to contain goroutine name, got %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Fatalf("expected log to contain panic value, got %q", out)
	}
}

func TestWithLogNoPanicIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer WithLog(logger, "test-goroutine")
	}()

	if buf.Len() != 0 {
		t.Fatalf("expected no log output without a panic, got %q", buf.String())
	}
}
