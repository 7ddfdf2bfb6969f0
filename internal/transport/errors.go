package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Failure categories surfaced by the adapter. Every primitive error is mapped
// onto exactly one of these before it leaves the package.
var (
	ErrNotBound          = errors.New("transport: socket not bound")
	ErrUnsupported       = errors.New("transport: operation not supported")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrUnknown           = errors.New("transport: unknown failure")
	ErrTimeout           = errors.New("transport: timed out")
)

var categories = []error{
	ErrNotBound, ErrUnsupported, ErrNotConnected,
	ErrConnectionRefused, ErrUnknown, ErrTimeout,
}

// Classify maps a primitive error onto the taxonomy. The original error stays
// in the chain so callers can still inspect it.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range categories {
		if errors.Is(err, c) {
			return err
		}
	}

	var cat error
	switch {
	case isTimeout(err):
		cat = ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		cat = ErrConnectionRefused
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EBADF):
		cat = ErrNotBound
	case errors.Is(err, syscall.EOPNOTSUPP), errors.Is(err, errors.ErrUnsupported):
		cat = ErrUnsupported
	case errors.Is(err, syscall.ENOTCONN), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EDESTADDRREQ):
		cat = ErrNotConnected
	default:
		cat = ErrUnknown
	}
	return fmt.Errorf("%w: %w", cat, err)
}

// IsBenign reports whether err is an expected condition that callers should
// swallow: nothing arrived in time, or the remote side was not listening.
func IsBenign(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionRefused)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
