package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks collaborator failures worth retrying on the next cycle.
	ErrTransient = errors.New("transient collaborator error")

	// ErrSubjectNotFound is returned by subject stores for unknown ids.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrTemplateNotFound is returned by renderers for unknown template ids.
	ErrTemplateNotFound = errors.New("template not found")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient wraps err so that IsTransient reports true while keeping err
// reachable through errors.Is and errors.As.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
