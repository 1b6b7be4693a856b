package engine

import (
	"errors"

	"github.com/dukex/nurture/pkg/protocol"
)

var (
	ErrAutomationInactive = errors.New("automation is not active")
	ErrNoSteps            = errors.New("automation has no steps")
	ErrInvalidTransition  = errors.New("invalid execution status transition")
	ErrStepNotFound       = errors.New("step not found in automation")

	// ErrDispatcherFull is transient: the step is retried on the next tick.
	ErrDispatcherFull   = protocol.Transientf("delivery dispatcher queue is full")
	ErrDispatcherClosed = errors.New("delivery dispatcher is closed")
)
