package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalid        = errors.New("invalid")
	ErrNotOverridable = errors.New("tier is not user-overridable")
)

// DecisionConflictError is returned when a pending action is resolved after it
// already left pending, including when a sweep expired it first.
type DecisionConflictError struct {
	ID      string
	Status  DecisionStatus
	Expired bool
}

func (e *DecisionConflictError) Error() string {
	if e.Expired && e.Status == DecisionPending {
		return fmt.Sprintf("pending action %s has passed its expiry", e.ID)
	}
	return fmt.Sprintf("pending action %s is already %s", e.ID, e.Status)
}

func (e *DecisionConflictError) Is(target error) bool {
	return target == ErrConflict
}
