package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// Failure kinds for transport errors. Timeouts and network faults are
// retryable; a canceled context is the caller giving up and is terminal.
const (
	KindTimeout  = "timeout"
	KindNetwork  = "network_error"
	KindCanceled = "canceled"
)

// ClassifyError maps a transport error to a failure kind. Returns "" for nil
// and for errors that fit no kind; those are terminal.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	// Timeouts first: deadline errors and anything net reports as such.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	// Dropped connections surface as bare EOFs from the HTTP client.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	return ""
}
