package models

import (
	"maps"
	"slices"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusActive    ExecutionStatus = "active"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Keys of Execution.Context populated from the triggering event.
const (
	ContextEventID     = "event_id"
	ContextEventType   = "event_type"
	ContextEventSource = "event_source"
	ContextPayload     = "payload"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// StepRecord is an audit entry for one processed step.
type StepRecord struct {
	StepID  string    `json:"step_id"`
	Type    StepType  `json:"type"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Execution is one run of an automation for one subject.
type Execution struct {
	ID                string          `json:"id"`
	AutomationID      string          `json:"automation_id"`
	TriggerID         string          `json:"trigger_id,omitempty"`
	SubjectID         string          `json:"subject_id"`
	CurrentStepID     string          `json:"current_step_id"`
	Status            ExecutionStatus `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ScheduledResumeAt *time.Time      `json:"scheduled_resume_at,omitempty"`
	Context           map[string]any  `json:"context,omitempty"`
	Error             string          `json:"error,omitempty"`
	History           []StepRecord    `json:"history,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Context = maps.Clone(e.Context)
	c.History = slices.Clone(e.History)

	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}

	if e.ScheduledResumeAt != nil {
		t := *e.ScheduledResumeAt
		c.ScheduledResumeAt = &t
	}

	return &c
}

func (e *Execution) Record(stepID string, stepType StepType, outcome, detail string, at time.Time) {
	e.History = append(e.History, StepRecord{
		StepID:  stepID,
		Type:    stepType,
		Outcome: outcome,
		Detail:  detail,
		At:      at,
	})
}

// EventContext builds the execution context captured from a trigger event.
func EventContext(event *TriggerEvent) map[string]any {
	return map[string]any{
		ContextEventID:     event.ID,
		ContextEventType:   event.Type,
		ContextEventSource: event.Source,
		ContextPayload:     maps.Clone(event.Payload),
	}
}

// Event reconstructs the triggering event from the execution context so that
// condition steps can address event fields.
func (e *Execution) Event() *TriggerEvent {
	event := &TriggerEvent{SubjectID: e.SubjectID}

	if id, ok := e.Context[ContextEventID].(string); ok {
		event.ID = id
	}

	if eventType, ok := e.Context[ContextEventType].(string); ok {
		event.Type = eventType
	}

	if source, ok := e.Context[ContextEventSource].(string); ok {
		event.Source = source
	}

	if payload, ok := e.Context[ContextPayload].(map[string]any); ok {
		event.Payload = payload
	}

	return event
}
