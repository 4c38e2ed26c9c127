// Package errclass defines stable, machine-readable error classes for the jail engine.
package errclass

import (
	"errors"
	"fmt"
)

// Class groups error codes by how callers are expected to react.
type Class string

const (
	ClassNotFound             Class = "not_found"
	ClassConflict             Class = "conflict"
	ClassPersistenceFailed    Class = "persistence_failed"
	ClassAuthorityUnavailable Class = "authority_unavailable"
	ClassSoftFailure          Class = "soft_failure"
	ClassInvalid              Class = "invalid"
	ClassCanceled             Class = "canceled"
	ClassUnknown              Class = "unknown"
)

// JailError carries a stable code, its class and an optional cause.
type JailError struct {
	Code    string
	Class   Class
	Message string
	Err     error
}

func (e *JailError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *JailError) Is(target error) bool {
	t, ok := target.(*JailError)
	return ok && e.Code == t.Code
}

func (e *JailError) Unwrap() error {
	return e.Err
}

// WithMessage returns a new JailError with the same Code but a specific message.
func (e *JailError) WithMessage(msg string) *JailError {
	return &JailError{Code: e.Code, Class: e.Class, Message: msg, Err: e.Err}
}

// WithMessagef returns a new JailError with a formatted message.
func (e *JailError) WithMessagef(format string, args ...any) *JailError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Wrap attaches an underlying cause.
func (e *JailError) Wrap(err error) *JailError {
	return &JailError{Code: e.Code, Class: e.Class, Message: e.Message, Err: err}
}

var (
	ErrNotFound             = &JailError{Code: "E_NOT_FOUND", Class: ClassNotFound}
	ErrUnknownJail          = &JailError{Code: "E_UNKNOWN_JAIL", Class: ClassNotFound}
	ErrUnknownArea          = &JailError{Code: "E_UNKNOWN_AREA", Class: ClassNotFound}
	ErrNotJailed            = &JailError{Code: "E_NOT_JAILED", Class: ClassNotFound}
	ErrAlreadyJailed        = &JailError{Code: "E_ALREADY_JAILED", Class: ClassConflict}
	ErrPermanentSentence    = &JailError{Code: "E_PERMANENT_SENTENCE", Class: ClassConflict}
	ErrPersistenceFailed    = &JailError{Code: "E_PERSISTENCE_FAILED", Class: ClassPersistenceFailed}
	ErrAuthorityUnavailable = &JailError{Code: "E_AUTHORITY_UNAVAILABLE", Class: ClassAuthorityUnavailable}
	ErrSameWorldRequired    = &JailError{Code: "E_SAME_WORLD_REQUIRED", Class: ClassInvalid}
	ErrInvalidArgument      = &JailError{Code: "E_INVALID_ARGUMENT", Class: ClassInvalid}
	ErrCanceled             = &JailError{Code: "E_CANCELED", Class: ClassCanceled}
	ErrInsufficientFunds    = &JailError{Code: "E_INSUFFICIENT_FUNDS", Class: ClassSoftFailure}
	ErrPaymentFailed        = &JailError{Code: "E_PAYMENT_FAILED", Class: ClassSoftFailure}
)

// Persistence wraps a storage error as ErrPersistenceFailed.
func Persistence(op string, err error) error {
	return ErrPersistenceFailed.WithMessage(op).Wrap(err)
}

// ClassOf returns the class of the first JailError in err's chain.
func ClassOf(err error) Class {
	var je *JailError
	if errors.As(err, &je) {
		return je.Class
	}
	return ClassUnknown
}
