package service

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Every error a service returns wraps exactly one of these kinds.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrExternal    = errors.New("external dependency failed")
	ErrPersistence = errors.New("persistence failed")
)

// ErrInitiationFailed means local state is committed but the provider round
// trip did not produce a payment URL. The transaction stays Pending.
var ErrInitiationFailed = fmt.Errorf("%w: payment initiation failed", ErrExternal)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// storeError classifies a repository error.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrExternal) || errors.Is(err, ErrPersistence) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
