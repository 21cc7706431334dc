// Package fault defines the coded errors surfaced at the Switchboard API
// boundary and the permanent/transient classification used by the dispatch
// engine.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies an error category at the API boundary.
type Code string

const (
	// NotFound means the chat (or another addressed record) does not exist.
	NotFound Code = "not-found"
	// PermissionDenied means the requesting user does not own the chat.
	PermissionDenied Code = "permission-denied"
	// FailedPrecondition means the operation is invalid for the current
	// state: wrong chat status, empty hand-over stack, missing continuation.
	FailedPrecondition Code = "failed-precondition"
	// Unimplemented means no scheduler supports the given engine config.
	Unimplemented Code = "unimplemented"
	// Internal is everything else.
	Internal Code = "internal"
)

// Error carries a stable code, a message, and an optional wrapped cause.
// Permanent marks failures the dispatch engine must not retry.
type Error struct {
	Code      Code
	Message   string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// AsPermanent marks err so the dispatch engine fails the chat instead of
// retrying. A coded error keeps its code; anything else becomes internal.
func AsPermanent(err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Code: fe.Code, Message: fe.Message, Permanent: true, Err: fe.Err}
	}
	return &Error{Code: Internal, Message: "permanent failure", Permanent: true, Err: err}
}

// CodeOf returns the code carried by err, or Internal for uncoded errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

// IsPermanent reports whether err was explicitly flagged permanent.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Permanent
}

// Retryable reports whether the dispatch engine may hand err back to the
// queue for another attempt. Permanent flags and precondition-class codes
// are never retried: redelivery cannot make a stale round or a missing
// record valid.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return true
	}
	if fe.Permanent {
		return false
	}
	switch fe.Code {
	case NotFound, PermissionDenied, FailedPrecondition, Unimplemented:
		return false
	}
	return true
}
