package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrInsufficientInventory marks an outbound movement exceeding the balance.
	ErrInsufficientInventory = errors.New("inventory: insufficient inventory")
	// ErrConcurrencyConflict is returned once conflict retries are exhausted.
	ErrConcurrencyConflict = errors.New("inventory: concurrent update conflict, please retry")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
	// ErrDuplicateRequest is returned when an idempotency key was already used.
	ErrDuplicateRequest = errors.New("inventory: request already processed")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientInventoryError carries the shortage.
type InsufficientInventoryError struct {
	Key       BalanceKey
	Available int64
	Requested int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("inventory: insufficient inventory for %s: available %d, requested %d", e.Key, e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }
