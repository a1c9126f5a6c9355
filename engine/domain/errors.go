package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation and lookup failures.
var (
	ErrInvalidVIN       = errors.New("invalid VIN format")
	ErrYearOutOfRange   = errors.New("year out of range")
	ErrInvalidYear      = errors.New("year is not an integer")
	ErrMissingMake      = errors.New("make is required")
	ErrMissingModel     = errors.New("model is required")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrNoChannels       = errors.New("at least one channel is required")
	ErrUnknownStatus    = errors.New("unknown vehicle status")
	ErrVehicleNotFound  = errors.New("vehicle not found")
	ErrInvalidFieldType = errors.New("invalid field type")
)

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value=%q)", e.Field, e.Wrapped, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
