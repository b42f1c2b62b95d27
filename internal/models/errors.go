package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed inbound event or request
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks a status change the state graph does not allow
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound marks a missing ticket, item or station
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a concurrent write that lost the race
	ErrConflict = errors.New("conflict")
	// ErrDeliveryFailure marks a fan-out or print dispatch that could not be delivered
	ErrDeliveryFailure = errors.New("delivery failure")
)

// TransitionError describes a rejected item or ticket status change
type TransitionError struct {
	EntityID string
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.EntityID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ErrorCode returns the stable code surfaced to command callers
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrDeliveryFailure):
		return "DeliveryFailure"
	default:
		return "InternalError"
	}
}
