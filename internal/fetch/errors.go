// Package fetch executes single fetch attempts against live origins: direct
// or through ranked proxy candidates, bounded by a per-attempt timeout, with
// transient transport errors swallowed and results classified against the
// request's accepted status set.
package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// isTransient reports whether a transport error may be retried within the
// attempt loop. Cancellation of the caller's context is never transient;
// per-attempt deadlines, connection resets/refusals, DNS failures, and
// truncated reads are.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
