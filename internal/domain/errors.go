package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrGuardFailed          = errors.New("guard failed")
	ErrRoundAlreadyResolved = errors.New("approval round already resolved")
	ErrUnknownRecipient     = errors.New("unknown recipient")
	ErrAlreadyDecided       = errors.New("recipient already decided")
	ErrOutOfTurn            = errors.New("recipient is not next in sequence")
	ErrStorageConflict      = errors.New("storage conflict")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrNotFound             = errors.New("not found")
	ErrDerivedStatus        = errors.New("status is derived and cannot be set directly")
	ErrInvalidInput         = errors.New("invalid input")
)

// TransitionError reports an action with no rule for the current status.
type TransitionError struct {
	Kind   Kind
	From   Status
	Action Action
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s cannot %s from %s", e.Kind, e.Action, e.From)
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// GuardError reports a legal transition whose precondition failed.
type GuardError struct {
	Action Action
	Reason string
}

func (e GuardError) Error() string {
	if e.Action == "" {
		return "guard failed: " + e.Reason
	}
	return fmt.Sprintf("guard failed for %s: %s", e.Action, e.Reason)
}

func (e GuardError) Unwrap() error { return ErrGuardFailed }

// Guard builds a GuardError.
func Guard(action Action, format string, args ...any) error {
	return GuardError{Action: action, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a driver error with its classification.
type StorageError struct {
	Op    string
	Class error
	Err   error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Class, e.Err)
}

func (e StorageError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// Retryable reports whether err is safe to retry from scratch.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) || errors.Is(err, ErrStorageUnavailable)
}
