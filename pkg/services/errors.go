// Package services implements the administrative operations on triggers and
// automations: validation, persistence and change notification on the bus.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/nurture/pkg/engine"
	"github.com/dukex/nurture/pkg/models"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownTrigger = errors.New("automation references an unknown trigger")

	// Business Logic Conflicts (409 Conflict).
	ErrTriggerInUse = errors.New("trigger is still bound to automations")
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

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownTrigger) ||
		errors.Is(err, models.ErrInvalidTrigger) ||
		errors.Is(err, models.ErrInvalidAutomation) ||
		errors.Is(err, models.ErrInvalidStep) ||
		errors.Is(err, models.ErrInvalidSchedule) ||
		errors.Is(err, models.ErrUnknownStepType) ||
		errors.Is(err, models.ErrMalformedEvent)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrTriggerInUse) ||
		errors.Is(err, engine.ErrInvalidTransition)
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
