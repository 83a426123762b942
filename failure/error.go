package failure

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Error is the caller-facing form of a failed call or stream. Its message is
// fixed at construction and never changes, including across Copy.
type Error struct {
	msg   string
	info  Info
	cause error
}

// New composes "<context>: Failure[...]" around info.
func New(context string, info Info) *Error {
	return &Error{
		msg:   context + ": " + info.String(),
		info:  info,
		cause: errors.New(info.Message()),
	}
}

// CallFailed builds the error delivered to a caller whose call did not produce
// a result. name is the call display name, see CallName.
func CallFailed(name string, info Info) *Error {
	return New("call "+name+" failed", info)
}

// StreamFailed builds the error a local stream end observes when the remote
// side or the link closed it abnormally.
func StreamFailed(name string, info Info) *Error {
	return New("stream "+name+" failed", info)
}

// CallName is the display name of one call.
func CallName(service, method, requestID string) string {
	return service + "." + method + "#" + requestID
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.cause }

// FailureInfo returns the taxonomy value the error was built from.
func (e *Error) FailureInfo() Info { return e.info }

// Copy returns an error with the identical message whose cause is e.
func (e *Error) Copy() *Error {
	return &Error{msg: e.msg, info: e.info, cause: e}
}

// WithCause returns a copy of e with the identical message and the given cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{msg: e.msg, info: e.info, cause: cause}
}

// ConflictError is raised by application code that detected a concurrent
// modification of the same resource.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// Carrier is implemented by errors that already know their taxonomy value,
// e.g. transport disconnects.
type Carrier interface {
	FailureInfo() Info
}

// FromError maps any error to an Info. Unknown errors land in RequestError
// with their full "%+v" rendering, which includes stack frames when the error
// carries them.
func FromError(err error) Info {
	if err == nil {
		return Request("unknown")
	}
	var carrier Carrier
	if stderrors.As(err, &carrier) {
		return carrier.FailureInfo()
	}
	var conflict *ConflictError
	if stderrors.As(err, &conflict) {
		return Conflict(conflict.Error())
	}
	if stderrors.Is(err, context.Canceled) {
		return Cancelled(err.Error())
	}
	return Request(fmt.Sprintf("%+v", err))
}

// Stack wraps err with the current stack so a later FromError reports it.
func Stack(err error) error {
	return errors.WithStack(err)
}
