// Package poolerr defines the typed error kinds the pool core surfaces to
// its callers (spec.md section 7) and helpers for aggregating the several
// independent failures a shutdown or group detach can produce.
package poolerr

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Kind classifies a pool-level failure so RPC responses can pick the right
// discriminant string without string-matching error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindSystem
	KindIO
	KindTimeout
	KindSecurity
	KindSpawn
	KindBusy
	KindQueueFull
	KindArgument
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system error"
	case KindIO:
		return "I/O error"
	case KindTimeout:
		return "timeout"
	case KindSecurity:
		return "security error"
	case KindSpawn:
		return "spawn error"
	case KindBusy:
		return "busy"
	case KindQueueFull:
		return "queue full"
	case KindArgument:
		return "argument error"
	default:
		return "unknown error"
	}
}

// Error is a Kind-tagged error. HasErrorPage/ErrorPage are only meaningful
// for KindSpawn, mirroring the optional HTML error page a failed
// spawn_application can carry.
type Error struct {
	Kind         Kind
	Message      string
	HasErrorPage bool
	ErrorPage    []byte
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Spawn builds a KindSpawn error, optionally carrying an HTML error page.
func Spawn(message string, errorPage []byte) *Error {
	return &Error{Kind: KindSpawn, Message: message, HasErrorPage: len(errorPage) > 0, ErrorPage: errorPage}
}

// As reports whether err is (or wraps) a *Error, and returns it.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a *Error, else KindUnknown.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return KindUnknown
}

// Append aggregates zero or more independent failures (e.g. from detaching
// several handles during a group-wide shutdown) into one error using
// multierr, so no individual failure is swallowed.
func Append(errs ...error) error {
	var result error
	for _, err := range errs {
		result = multierr.Append(result, err)
	}
	return result
}
