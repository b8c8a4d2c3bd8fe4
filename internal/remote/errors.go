package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
)

var (
	// ErrUnavailable is returned when the backend is offline or unreachable.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("remote timeout")
)

// Reason distinguishes backend-reported failures.
type Reason int

const (
	ReasonOther Reason = iota
	ReasonNotFound
	ReasonPermissionDenied
	ReasonExists
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not found"
	case ReasonPermissionDenied:
		return "permission denied"
	case ReasonExists:
		return "already exists"
	default:
		return "protocol error"
	}
}

// ProtocolError is a failure reported by the backend itself.
type ProtocolError struct {
	Op     string
	Path   string
	Reason Reason
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NotFound builds a ReasonNotFound protocol error.
func NotFound(op, p string) error {
	return &ProtocolError{Op: op, Path: p, Reason: ReasonNotFound, Err: fs.ErrNotExist}
}

func hasReason(err error, r Reason) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Reason == r
}

// IsNotFound reports whether err is a "path does not exist" failure.
func IsNotFound(err error) bool { return hasReason(err, ReasonNotFound) }

// IsPermissionDenied reports whether the backend refused access.
func IsPermissionDenied(err error) bool { return hasReason(err, ReasonPermissionDenied) }

// IsExists reports whether the target was already present.
func IsExists(err error) bool { return hasReason(err, ReasonExists) }

// IsUnavailable reports whether the backend could not be reached.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsTimeout reports whether the operation ran out of time.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// Classify maps a raw backend error onto the remote taxonomy. Errors
// already classified are returned unchanged.
func Classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, p, ErrTimeout)
	}

	// syscall.Errno satisfies net.Error, so filesystem outcomes are
	// settled first and path errors never count as transport failures.
	reason := ReasonOther
	switch {
	case errors.Is(err, fs.ErrNotExist):
		reason = ReasonNotFound
	case errors.Is(err, fs.ErrPermission):
		reason = ReasonPermissionDenied
	case errors.Is(err, fs.ErrExist):
		reason = ReasonExists
	}
	if reason != ReasonOther {
		return &ProtocolError{Op: op, Path: p, Reason: reason, Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s %s: %w: %v", op, p, ErrUnavailable, err)
	}
	var pathErr *fs.PathError
	var netErr net.Error
	if !errors.As(err, &pathErr) && errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%s %s: %w: %v", op, p, ErrTimeout, err)
		}
		return fmt.Errorf("%s %s: %w: %v", op, p, ErrUnavailable, err)
	}

	return &ProtocolError{Op: op, Path: p, Reason: reason, Err: err}
}
