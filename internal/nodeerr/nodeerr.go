// Package nodeerr defines the process-internal error taxonomy shared by
// every component on the resolution path from an incoming request down to
// an engine invocation. Components return a *Error (or wrap one); the
// admission layer is the only place that maps a Kind to an HTTP status.
package nodeerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way §7 of the spec does.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindNotFound          Kind = "not_found"
	KindUnsupported       Kind = "unsupported"
	KindUnavailable       Kind = "unavailable"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
	KindUnknown           Kind = "unknown"
)

// Error is a taxonomy-tagged error. Message is the human-readable detail;
// Code is an optional machine-readable sub-code (e.g. "VRAM insufficient").
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that carries cause as its Unwrap target.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithCode returns a copy of e with Code set, for chaining off New/Wrap.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
