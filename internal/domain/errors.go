package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures. API responses and callers branch on
// the kind, never on message text.
type ErrorKind string

const (
	KindConnection   ErrorKind = "connection"
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindSubscription ErrorKind = "subscription"
	KindScheduling   ErrorKind = "scheduling"
	KindUnsupported  ErrorKind = "unsupported"
	KindInternal     ErrorKind = "internal"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConnection   = errors.New("connection error")
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrSubscription = errors.New("subscription error")
	ErrScheduling   = errors.New("scheduling error")
	ErrUnsupported  = errors.New("unsupported operation")

	// ErrNotConnected is returned when a datasource is known but its
	// transport is down. Callers fail fast; reconnecting is the health
	// monitor's job.
	ErrNotConnected = errors.New("datasource not connected")
)

var kindSentinels = map[ErrorKind]error{
	KindConnection:   ErrConnection,
	KindValidation:   ErrValidation,
	KindNotFound:     ErrNotFound,
	KindSubscription: ErrSubscription,
	KindScheduling:   ErrScheduling,
	KindUnsupported:  ErrUnsupported,
}

// Error is the structured error used across the orchestration core.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

// NewError creates an Error without an underlying cause.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError creates an Error around an underlying cause.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// With attaches a detail key/value and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain.
// Plain errors map to KindInternal, except the not-connected sentinel.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// DetailsOf returns the details attached to the first *Error in err's chain.
func DetailsOf(err error) map[string]any {
	var de *Error
	if errors.As(err, &de) {
		return de.Details
	}
	return nil
}
