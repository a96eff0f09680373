// Package ekerrors defines the transport-independent error taxonomy for
// the encryption engine, mirrored after the Kind/condition table the
// orchestrator is designed against.
package ekerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the engine's recognized failure conditions.
type Kind string

const (
	NotInitialized     Kind = "NotInitialized"
	NoLocalKeys        Kind = "NoLocalKeys"
	NoRemotePublicKey  Kind = "NoRemotePublicKey"
	KeyMismatch        Kind = "KeyMismatch"
	NeedsRestore       Kind = "NeedsRestore"
	AuthFail           Kind = "AuthFail"
	DecryptionFailed   Kind = "DecryptionFailed"
	RotationInProgress Kind = "RotationInProgress"
	CounterOverflow    Kind = "CounterOverflow"
	WeakPassword       Kind = "WeakPassword"
	RemoteUnavailable  Kind = "RemoteUnavailable"
	ConstraintViolation Kind = "ConstraintViolation"
)

// Error wraps an underlying cause with one of the Kind values above.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ekerrors.New(KindX, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Recoverable reports whether the condition is recoverable per the
// engine's error-handling policy. AuthFail and CounterOverflow are not;
// everything else admits some form of retry, restore, or degrade path.
func Recoverable(kind Kind) bool {
	switch kind {
	case AuthFail, CounterOverflow:
		return false
	default:
		return true
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
