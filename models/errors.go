package models

import (
	"errors"
	"fmt"
)

// Sentinel errors of the aggregation engine. Callers wrap them with %w and
// test with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrStaleEvent        = errors.New("stale event")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPeriodClosed      = errors.New("period closed")
	ErrNotFound          = errors.New("not found")
)

// ReasonCode is the machine readable reason attached to a rejected event.
type ReasonCode string

const (
	ReasonValidation        ReasonCode = "VALIDATION_ERROR"
	ReasonStaleEvent        ReasonCode = "STALE_EVENT"
	ReasonInvalidTransition ReasonCode = "INVALID_TRANSITION"
	ReasonPeriodClosed      ReasonCode = "PERIOD_CLOSED"
	ReasonInternal          ReasonCode = "INTERNAL_ERROR"
)

// ReasonFor maps an error onto its rejection reason code.
func ReasonFor(err error) ReasonCode {
	switch {
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrStaleEvent):
		return ReasonStaleEvent
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, ErrPeriodClosed):
		return ReasonPeriodClosed
	default:
		return ReasonInternal
	}
}

// Validationf returns an ErrValidation carrying a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
