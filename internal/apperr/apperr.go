// Package apperr defines the typed errors surfaced by the correlation core.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that own retry policy.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
)

// Error is the single concrete error type returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrTimeout           = &Error{Kind: KindTimeout}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind. An invalid transition is also a conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindConflict && e.Kind == KindInvalidTransition
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func InvalidTransition(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidTransition, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "deadline exceeded", Err: err}
}

// FromContext converts context expiry into a timeout error and passes other
// errors through unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout(op, err)
	}
	return err
}

// KindOf reports the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a read-only caller may retry err.
func Retryable(err error) bool {
	return KindOf(err) == KindTimeout
}
