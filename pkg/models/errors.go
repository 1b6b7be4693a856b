package models

import "errors"

var (
	// ErrInvalidSchedule is returned when schedule validation fails.
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	// ErrInvalidStep is returned when a workflow step's configuration does not match its type.
	ErrInvalidStep = errors.New("invalid workflow step")

	// ErrUnknownStepType is returned when decoding a step with an unsupported type.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrInvalidAutomation is returned when an automation's step graph is inconsistent.
	ErrInvalidAutomation = errors.New("invalid automation")

	// ErrInvalidTrigger is returned when a trigger definition is inconsistent with its type.
	ErrInvalidTrigger = errors.New("invalid trigger")

	// ErrMalformedEvent is returned when a trigger event lacks required fields.
	ErrMalformedEvent = errors.New("malformed trigger event")
)
