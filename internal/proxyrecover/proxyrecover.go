// Package proxyrecover provides panic recovery for the per-connection
// goroutines the demo CLI spawns, so a single malformed session can't
// take down the listener.
package proxyrecover

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// WithLog recovers from a panic and logs it with logger. Use with defer
// at the start of a goroutine:
//
//	go func() {
//	    defer proxyrecover.WithLog(logger, "socks5-conn")
//	    serveSOCKS5Conn(...)
//	}()
func WithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
