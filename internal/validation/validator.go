// Package validation provides input validation utilities for engine operators.
// Validators are small values checked before or after a callback round trip:
// batch presence, result length, result type and count bounds.
package validation

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/paveg/gorillabind/internal/errors"
)

// Validator interface for input validation
type Validator interface {
	Validate() error
}

// BatchValidator validates that an operator received a batch
type BatchValidator struct {
	batch arrow.Array
	op    string
}

// NewBatchValidator creates a validator for batch inputs
func NewBatchValidator(batch arrow.Array, op string) *BatchValidator {
	return &BatchValidator{
		batch: batch,
		op:    op,
	}
}

// Validate checks that the batch is not nil
func (v *BatchValidator) Validate() error {
	if v.batch == nil {
		return errors.NewInvalidInputError(v.op, "nil batch")
	}
	return nil
}

// LengthValidator validates that a callback result is as long as its input
type LengthValidator struct {
	expected int
	actual   int
	op       string
	context  string
}

// NewLengthValidator creates a validator for length consistency
func NewLengthValidator(expected, actual int, op, context string) *LengthValidator {
	return &LengthValidator{
		expected: expected,
		actual:   actual,
		op:       op,
		context:  context,
	}
}

// Validate checks if lengths match
func (v *LengthValidator) Validate() error {
	if v.expected != v.actual {
		return &errors.OperatorError{
			Op:      v.op,
			Message: fmt.Sprintf("%s: expected length %d, got %d", v.context, v.expected, v.actual),
			Cause:   errors.ErrMismatchedLength,
		}
	}
	return nil
}

// TypeValidator validates that a batch has one of the supported arrow types
type TypeValidator struct {
	dtype     arrow.DataType
	supported []arrow.Type
	op        string
}

// NewTypeValidator creates a validator for type checking
func NewTypeValidator(dtype arrow.DataType, op string, supported ...arrow.Type) *TypeValidator {
	return &TypeValidator{
		dtype:     dtype,
		supported: supported,
		op:        op,
	}
}

// Validate checks if the type is supported
func (v *TypeValidator) Validate() error {
	if v.dtype == nil {
		return errors.NewUnsupportedTypeError(v.op, "null")
	}
	for _, id := range v.supported {
		if v.dtype.ID() == id {
			return nil
		}
	}
	return errors.NewUnsupportedTypeError(v.op, v.dtype.String())
}

// CountValidator validates a lower bound on a count
type CountValidator struct {
	n    int
	min  int
	op   string
	what string
}

// NewCountValidator creates a validator requiring n >= minimum
func NewCountValidator(n, minimum int, op, what string) *CountValidator {
	return &CountValidator{
		n:    n,
		min:  minimum,
		op:   op,
		what: what,
	}
}

// Validate checks the bound
func (v *CountValidator) Validate() error {
	if v.n < v.min {
		return errors.NewInvalidInputError(v.op, fmt.Sprintf("%s must be at least %d, got %d", v.what, v.min, v.n))
	}
	return nil
}

// CompoundValidator combines multiple validators
type CompoundValidator struct {
	validators []Validator
}

// NewCompoundValidator creates a validator that checks multiple conditions
func NewCompoundValidator(validators ...Validator) *CompoundValidator {
	return &CompoundValidator{
		validators: validators,
	}
}

// Validate runs all validators and returns the first error encountered
func (v *CompoundValidator) Validate() error {
	for _, validator := range v.validators {
		if err := validator.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Convenience validation functions

// ValidateBatch is a convenience function for batch validation
func ValidateBatch(batch arrow.Array, op string) error {
	return NewBatchValidator(batch, op).Validate()
}

// ValidateLength is a convenience function for length validation
func ValidateLength(expected, actual int, op, context string) error {
	return NewLengthValidator(expected, actual, op, context).Validate()
}

// ValidateType is a convenience function for type validation
func ValidateType(dtype arrow.DataType, op string, supported ...arrow.Type) error {
	return NewTypeValidator(dtype, op, supported...).Validate()
}

// ValidateCount is a convenience function for count validation
func ValidateCount(n, minimum int, op, what string) error {
	return NewCountValidator(n, minimum, op, what).Validate()
}
