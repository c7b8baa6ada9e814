package market

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the marketplace core.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrAlreadyUnlocked      = errors.New("already unlocked")
	ErrProjectNotLive       = errors.New("project not live")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNotUnlocked          = errors.New("not unlocked")
	ErrDuplicateBid         = errors.New("duplicate bid")
	ErrNotOwner             = errors.New("not owner")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyRefunded      = errors.New("already refunded")
	ErrValidation           = errors.New("validation failed")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError tags a failure with the operation, subject, and code
// segments that API layers expose as stable machine-readable identifiers.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error renders the failure as operation.subject.code followed by the cause.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap exposes the cause so errors.Is still matches the sentinels.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation reports which service operation failed.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject reports the entity the failure concerns.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code reports the stable identifier for the failure kind.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError attaches operation metadata to err. A nil err stays nil so call
// sites can wrap unconditionally.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
