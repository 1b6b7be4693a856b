// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTriggerNotFound indicates a trigger was not found by the given identifier.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrAutomationNotFound indicates an automation was not found by the given identifier.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")
)

// EntityError wraps repository errors with the operation and the entity involved.
type EntityError struct {
	Op   string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Kind string // Entity kind ("trigger", "automation", "execution")
	ID   string
	Err  error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// NewTriggerError creates a new trigger error with context.
func NewTriggerError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Kind: "trigger", ID: id, Err: err}
}

// NewAutomationError creates a new automation error with context.
func NewAutomationError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Kind: "automation", ID: id, Err: err}
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Kind: "execution", ID: id, Err: err}
}

// IsTriggerNotFound checks if an error indicates a trigger was not found.
func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}

// IsAutomationNotFound checks if an error indicates an automation was not found.
func IsAutomationNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return IsTriggerNotFound(err) || IsAutomationNotFound(err) || IsExecutionNotFound(err)
}
