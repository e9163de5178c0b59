package endpoint

import (
	"context"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrLockLost means the lock expired or another worker holds it.
	ErrLockLost = errors.New("endpoint: lock lost")
	// ErrTaskNotFound means the engine does not know the task id.
	ErrTaskNotFound = errors.New("endpoint: task not found")
	// ErrMalformedResponse means the engine answered with something that is
	// not a valid task list.
	ErrMalformedResponse = errors.New("endpoint: malformed response")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked
// errors, network timeouts, dropped connections and per-call deadlines.
// Cancellation of the caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrLockLost) || errors.Is(err, ErrTaskNotFound) {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
