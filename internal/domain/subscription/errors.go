package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                    = errors.New("not found")
	ErrDuplicateActiveSubscription = errors.New("patient already has an active subscription")
	ErrInvalidTransition           = errors.New("invalid state transition")
	// ErrInvalidPackageChange covers upgrades to a cheaper plan, downgrades to
	// a dearer one, and changes to the current plan.
	ErrInvalidPackageChange = errors.New("invalid package change")
	ErrPackageInactive      = errors.New("package is not available")
	ErrReferenceMismatch    = errors.New("gateway reference does not match payment")
)

// TransitionError describes a rejected state change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Entity string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %q", e.Action, e.Entity, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// GatewayError wraps a payment gateway failure. Its message is the gateway's
// own message, unmodified.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string { return e.Err.Error() }

func (e *GatewayError) Unwrap() error { return e.Err }
