// Package tomeerr defines the error taxonomy shared by all components.
//
// Errors carry a Kind that classifies the failure for retry decisions and
// for the error_code field on tool responses. Wrapping preserves the cause
// chain so errors.Is and errors.As keep working across package boundaries.
package tomeerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure class.
type Kind string

const (
	KindInvalidArgument           Kind = "INVALID_ARGUMENT"
	KindNotFound                  Kind = "NOT_FOUND"
	KindConflict                  Kind = "CONFLICT"
	KindDuplicateDocType          Kind = "DUPLICATE_DOC_TYPE"
	KindInvalidDocType            Kind = "INVALID_DOC_TYPE"
	KindParseFailed               Kind = "PARSE_FAILED"
	KindValidationFailed          Kind = "VALIDATION_FAILED"
	KindNoActiveProject           Kind = "NO_ACTIVE_PROJECT"
	KindRateLimited               Kind = "RATE_LIMITED"
	KindCircuitOpen               Kind = "CIRCUIT_OPEN"
	KindTimeout                   Kind = "TIMEOUT"
	KindCancelled                 Kind = "CANCELLED"
	KindProviderUnavailable       Kind = "PROVIDER_UNAVAILABLE"
	KindProviderContractViolation Kind = "PROVIDER_CONTRACT_VIOLATION"
	KindStorageFailed             Kind = "STORAGE_FAILED"
	KindInternal                  Kind = "INTERNAL"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New creates a classified error without a cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf is Wrap with a format string.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the error chain and returns the first classified kind.
// Context cancellation and deadline errors are recognised even when they
// were never wrapped. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var te *Error
		if errors.As(err, &te) {
			if te.Kind == kind {
				return true
			}
			err = te.Err
			continue
		}
		return false
	}
	return false
}
