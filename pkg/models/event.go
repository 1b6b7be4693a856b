package models

import (
	"fmt"
	"time"
)

const (
	// EventTypeScheduled is the type of events synthesized by the time-based sweep.
	EventTypeScheduled = "trigger.scheduled"

	SourceScheduler = "scheduler"
)

// TriggerEvent is an immutable record of something that happened to a subject.
// TriggerID is only set on events synthesized for one specific trigger.
type TriggerEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"                 validate:"required"`
	SubjectID string         `json:"subject_id"           validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	TriggerID string         `json:"trigger_id,omitempty"`
}

func (e *TriggerEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	return nil
}

// Targeted reports whether the event was synthesized for a single trigger.
func (e *TriggerEvent) Targeted() bool {
	return e.TriggerID != ""
}
