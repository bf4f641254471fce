// Package chaterr defines the typed error kinds surfaced by the sync engine.
// Every public operation returns either a value or one of these; callers
// classify with KindOf rather than string matching.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	NotAuthenticated Kind = "NOT_AUTHENTICATED"
	NotFound         Kind = "NOT_FOUND"
	Unauthorized     Kind = "UNAUTHORIZED"
	WindowExpired    Kind = "WINDOW_EXPIRED"
	Transport        Kind = "TRANSPORT"
	Storage          Kind = "STORAGE"
	Unsupported      Kind = "UNSUPPORTED"
)

// Error carries a kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on kind, so sentinel-style checks work:
// errors.Is(err, &Error{Kind: NotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an underlying cause. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
