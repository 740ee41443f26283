package netutil

import (
	"context"
	"io"
	"net"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// Relay copies src into dst until src reaches EOF, then half-closes dst so
// the peer sees end-of-stream. Cancelling ctx closes both connections,
// which unblocks the copy. When limit is positive the whole relay must
// finish within it.
//
// Only EOF on src is a clean end. A peer that resets dst mid-copy, or
// refuses the half-close, leaves the snapshot truncated and is an error.
func Relay(ctx context.Context, dst, src net.Conn, limit time.Duration) (int64, error) {
	if limit > 0 {
		deadline := time.Now().Add(limit)
		_ = src.SetDeadline(deadline)
		_ = dst.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = src.Close()
		_ = dst.Close()
	})
	defer stop()

	n, err := io.Copy(dst, src)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, err
	}

	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			return n, err
		}
	}
	return n, nil
}
