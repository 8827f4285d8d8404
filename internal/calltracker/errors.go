package calltracker

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrTrackerClosed is returned by operations submitted after the tracker's
// loop has stopped.
var ErrTrackerClosed = errors.New("call tracker closed")

// InvalidStateError reports an operation that is not valid in the current
// state of the tracker, slot or connection.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid state: %s", e.Op, e.Reason)
}

// CapacityExceededError reports a slot that would exceed its size cap.
type CapacityExceededError struct {
	Op    string
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s: call slot full (max %d)", e.Op, e.Limit)
}

// TransportError wraps a failure reported by the underlying transport.
type TransportError struct {
	Op   string
	Code ReasonCode
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != ReasonNone {
		return fmt.Sprintf("%s: transport error (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded wait that expired without a response.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response after %s", e.Op, e.After)
}

// NotFoundError reports an event or request naming an unknown session or
// connection.
type NotFoundError struct {
	Session SessionHandle
	ConnID  string
}

func (e *NotFoundError) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("connection %s not found", e.ConnID)
	}
	return fmt.Sprintf("session %q not found", string(e.Session))
}

func invalidState(op, format string, args ...any) error {
	return &InvalidStateError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func transportError(op string, err error) error {
	te := &TransportError{Op: op, Err: err}
	var coded interface{ ReasonCode() ReasonCode }
	if errors.As(err, &coded) {
		te.Code = coded.ReasonCode()
	}
	return te
}

// IsInvalidState reports whether err is an *InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// IsCapacityExceeded reports whether err is a *CapacityExceededError.
func IsCapacityExceeded(err error) bool {
	var target *CapacityExceededError
	return errors.As(err, &target)
}

// IsTransport reports whether err is a *TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}
