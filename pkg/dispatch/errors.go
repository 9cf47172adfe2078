package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for the boundary layer (the HTTP transport,
// out of scope here) to map onto a status code.
type Kind string

const (
	KindAuthMissing Kind = "auth-missing"
	KindAuthInvalid Kind = "auth-invalid"
	KindNotFound    Kind = "not-found"
	KindForbidden   Kind = "forbidden"
	KindBadRequest  Kind = "bad-request"
)

// Error wraps an underlying error with the Kind the boundary layer needs
// to pick a response. Err may be nil when Kind alone is the payload.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can do errors.Is(err, dispatch.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Sentinel *Error values for errors.Is comparisons against a bare Kind.
var (
	ErrAuthMissing = &Error{Kind: KindAuthMissing}
	ErrAuthInvalid = &Error{Kind: KindAuthInvalid}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrForbidden   = &Error{Kind: KindForbidden}
	ErrBadRequest  = &Error{Kind: KindBadRequest}
)

// KindOf reports the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind, true
	}
	return "", false
}
