// Package coreerr defines the error taxonomy of spec.md §7: a closed set
// of categories (Generic, Simulation, System, Protocol, Precondition),
// each carrying a gRPC status code (reused from google.golang.org/grpc,
// without the rest of the gRPC transport — see DESIGN.md) plus, where
// relevant, the SlaveID responsible.
package coreerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/viproma/coral-sub001/internal/model"
)

// Error is the typed error every public API call in this module can
// surface. It names the gRPC-style code, an optional responsible slave,
// and wraps an optional cause.
type Error struct {
	Code    codes.Code
	Slave   model.SlaveID // InvalidSlaveID if not slave-specific
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Slave.IsValid() {
		if e.Cause != nil {
			return fmt.Sprintf("%s (slave %d): %s: %v", e.Code, e.Slave, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s (slave %d): %s", e.Code, e.Slave, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// GRPCStatus lets errors.As-style callers (and any future gRPC boundary)
// recover the code via status.FromError, matching the convention
// google.golang.org/grpc/status expects from custom error types.
func (e *Error) GRPCStatus() *status.Status { return status.New(e.Code, e.Message) }

// New builds a non-slave-specific Error.
func New(code codes.Code, format string, args ...any) *Error {
	return &Error{Code: code, Slave: model.InvalidSlaveID, Message: fmt.Sprintf(format, args...)}
}

// ForSlave builds an Error attributed to a specific slave.
func ForSlave(code codes.Code, slave model.SlaveID, format string, args ...any) *Error {
	return &Error{Code: code, Slave: slave, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that chains cause.
func Wrap(code codes.Code, slave model.SlaveID, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Slave: slave, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// The named sentinels below name each of spec.md §7's categories, but
// not every category has a code of its own: CannotPerformTimestep and
// PreconditionViolation share FailedPrecondition, DataTimeout and
// TimedOut share DeadlineExceeded, and BadMessage and ProtocolViolation
// share InvalidArgument, so the Is* predicates below cannot tell the two
// categories of a pair apart. Each is a codes.Code, not an error value, because every real
// occurrence also needs a message and (often) a slave ID; construct the
// actual error with New/ForSlave/Wrap and one of these codes.
const (
	// Generic
	CodeAborted         = codes.Aborted
	CodeCanceled        = codes.Canceled
	CodeOperationFailed = codes.Unknown
	CodeFatal           = codes.Internal

	// Simulation
	CodeCannotPerformTimestep = codes.FailedPrecondition
	CodeDataTimeout           = codes.DeadlineExceeded

	// System
	CodeTimedOut           = codes.DeadlineExceeded
	CodeConnectionRefused  = codes.Unavailable
	CodePermissionDenied   = codes.PermissionDenied
	CodeBadMessage         = codes.InvalidArgument

	// Protocol
	CodeProtocolViolation   = codes.InvalidArgument
	CodeProtocolNotSupported = codes.Unimplemented

	// Precondition
	CodePreconditionViolation = codes.FailedPrecondition
)

// IsCannotPerformTimestep reports whether err (possibly wrapped)
// represents a slave's refusal to take a time step.
func IsCannotPerformTimestep(err error) bool { return hasCode(err, CodeCannotPerformTimestep) }

// IsDataTimeout reports whether err represents a slave agent's
// subscriber timing out while waiting for peer values.
func IsDataTimeout(err error) bool { return hasCode(err, CodeDataTimeout) }

// IsTimedOut reports whether err represents an operation timeout.
func IsTimedOut(err error) bool { return hasCode(err, CodeTimedOut) }

// IsAborted reports whether err represents an operation refused because
// its connection was already shut down (rpcsock.Client.Call or Notify on
// a closed client).
func IsAborted(err error) bool { return hasCode(err, CodeAborted) }

func hasCode(err error, code codes.Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// PreconditionViolation builds the error raised when an operation is
// called in a state that does not allow it (spec.md §4.7's state table).
func PreconditionViolation(op, state string) *Error {
	return New(CodePreconditionViolation, "operation %q not valid in state %q", op, state)
}

// InvalidInput builds the error raised when an operation's arguments fail
// a basic input check before any state transition or fan-out begins (e.g.
// spec.md §8's "Step with stepSize <= 0" and "slave count past 65535"
// boundary behaviours). Distinct from PreconditionViolation: the state was
// fine, the arguments weren't.
func InvalidInput(op, detail string) *Error {
	return New(CodeBadMessage, "operation %q: %s", op, detail)
}

// ErrCommThreadDead is returned by every facade method once the
// background reactor goroutine has died from an uncaught panic/error.
// The original cause is always chained via Unwrap.
func ErrCommThreadDead(cause error) *Error {
	return Wrap(CodeFatal, model.InvalidSlaveID, cause, "comm thread dead")
}

// ErrMasterInactivityTimeout is the error a slave agent aborts its reactor
// with when no message from the master arrives within the configured
// inactivity timeout (spec.md §4.9).
func ErrMasterInactivityTimeout(slave model.SlaveID) *Error {
	return ForSlave(CodeTimedOut, slave, "no message from master within inactivity timeout")
}
