// Package services provides the operations the REST surface and the CLI expose.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidStatus   = errors.New("invalid execution status")
	ErrInvalidDecision = errors.New("invalid decision")

	// Lookup Errors (404 Not Found).
	ErrGraphNotFound      = errors.New("graph not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrRequestNotFound    = errors.New("interaction request not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// Business Logic Conflicts (409 Conflict).
	ErrGraphAlreadyRegistered = errors.New("graph already registered")
	ErrExecutionFinished      = errors.New("execution already finished")
	ErrExecutionRunning       = errors.New("execution still running")
	ErrServiceClosed          = errors.New("execution service closed")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidDecision)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrGraphNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrCheckpointNotFound)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrGraphAlreadyRegistered) ||
		errors.Is(err, ErrExecutionFinished) ||
		errors.Is(err, ErrExecutionRunning) ||
		errors.Is(err, ErrServiceClosed)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
