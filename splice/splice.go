// Package splice implements bidirectional byte-stream copying with the
// half-close shutdown discipline the handshake drivers hand tunneled
// connections off to.
package splice

import (
	"context"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/proxyhost/internal/proxylog"
)

// halfCloser is implemented by connections that support shutting down
// their write half while keeping the read half open (TCP, most
// net.Conn-over-stream adapters).
type halfCloser interface {
	CloseWrite() error
}

// Limiter optionally throttles the bytes forwarded in either direction.
// A nil *Limiter imposes no limit.
type Limiter = rate.Limiter

// CopyBidirectional concurrently copies a->b and b->a until both
// directions have reached EOF or an error, matching the "both halves
// witness each other's EOF before termination" invariant. On the first
// direction to finish, the corresponding write half is shut down so the
// other side observes an orderly close; the reverse direction is allowed
// to drain. The first error encountered (if any) is returned; a
// shutdown-only error on an already-successful transfer is not fatal.
func CopyBidirectional(ctx context.Context, a, b net.Conn, logger *slog.Logger) (bytesAtoB, bytesBtoA int64, err error) {
	return copyBidirectional(ctx, a, b, nil, logger)
}

// CopyBidirectionalRateLimited is CopyBidirectional with an optional rate
// limiter applied to both directions.
func CopyBidirectionalRateLimited(ctx context.Context, a, b net.Conn, limiter *Limiter, logger *slog.Logger) (bytesAtoB, bytesBtoA int64, err error) {
	return copyBidirectional(ctx, a, b, limiter, logger)
}

func copyBidirectional(ctx context.Context, a, b net.Conn, limiter *Limiter, logger *slog.Logger) (int64, int64, error) {
	if logger == nil {
		logger = proxylog.NopLogger()
	}

	g, _ := errgroup.WithContext(ctx)
	var nAtoB, nBtoA int64

	g.Go(func() error {
		n, err := copyOne(ctx, b, a, limiter)
		nAtoB = n
		if hc, ok := b.(halfCloser); ok {
			hc.CloseWrite()
		}
		return err
	})

	g.Go(func() error {
		n, err := copyOne(ctx, a, b, limiter)
		nBtoA = n
		if hc, ok := a.(halfCloser); ok {
			hc.CloseWrite()
		}
		return err
	})

	err := g.Wait()
	if err != nil && err != io.EOF {
		logger.Debug("splice finished with error",
			proxylog.KeyBytesIn, nAtoB,
			proxylog.KeyBytesOut, nBtoA,
			proxylog.KeyErrorKind, err.Error())
		return nAtoB, nBtoA, err
	}
	return nAtoB, nBtoA, nil
}

func copyOne(ctx context.Context, dst io.Writer, src io.Reader, limiter *Limiter) (int64, error) {
	if limiter == nil {
		n, err := io.Copy(dst, src)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	return copyLimited(ctx, dst, src, limiter)
}

// copyLimited reads in fixed chunks, waiting on limiter before each
// chunk is written, so --rate-limit applies to both read and forward
// pacing rather than just to the reader side.
func copyLimited(ctx context.Context, dst io.Writer, src io.Reader, limiter *Limiter) (int64, error) {
	buf := make([]byte, 32*1024)
	if b := limiter.Burst(); b > 0 && b < len(buf) {
		buf = buf[:b]
	}
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := limiter.WaitN(ctx, n); err != nil {
				return total, err
			}
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
