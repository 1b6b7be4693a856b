// Package events defines the messages published on the event bus: execution
// outcomes and definition changes.
package events

import (
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every nurture event.
const Topic = "nurture.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "automation.execution.started"
	StepCompletedEvent      EventType = "automation.step.completed"
	ExecutionCompletedEvent EventType = "automation.execution.completed"
	ExecutionFailedEvent    EventType = "automation.execution.failed"
	MessageSentEvent        EventType = "automation.message.sent"
	MessageFailedEvent      EventType = "automation.message.failed"

	TriggerCreatedEvent EventType = "trigger.created"
	TriggerUpdatedEvent EventType = "trigger.updated"
	TriggerDeletedEvent EventType = "trigger.deleted"

	AutomationCreatedEvent EventType = "automation.created"
	AutomationUpdatedEvent EventType = "automation.updated"
	AutomationDeletedEvent EventType = "automation.deleted"
)

var outcomeTypes = map[models.OutcomeKind]EventType{
	models.OutcomeExecutionStarted:   ExecutionStartedEvent,
	models.OutcomeStepCompleted:      StepCompletedEvent,
	models.OutcomeExecutionCompleted: ExecutionCompletedEvent,
	models.OutcomeExecutionFailed:    ExecutionFailedEvent,
	models.OutcomeMessageSent:        MessageSentEvent,
	models.OutcomeMessageFailed:      MessageFailedEvent,
}

// OutcomeEventTypes lists the event types that carry an ExecutionOutcome.
func OutcomeEventTypes() []EventType {
	types := make([]EventType, 0, len(outcomeTypes))
	for _, t := range outcomeTypes {
		types = append(types, t)
	}

	return types
}

// IsOutcome reports whether events of this type decode into ExecutionOutcome.
func IsOutcome(t EventType) bool {
	for _, known := range outcomeTypes {
		if known == t {
			return true
		}
	}

	return false
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// ExecutionOutcome carries one entry of the outcome stream.
type ExecutionOutcome struct {
	BaseEvent

	Outcome models.Outcome `json:"outcome"`
}

func NewExecutionOutcome(outcome models.Outcome) ExecutionOutcome {
	event := ExecutionOutcome{
		BaseEvent: NewBaseEvent(outcomeTypes[outcome.Kind]),
		Outcome:   outcome,
	}
	event.Timestamp = outcome.Timestamp

	return event
}

func (e ExecutionOutcome) GetType() EventType {
	return outcomeTypes[e.Outcome.Kind]
}

type TriggerCreated struct {
	BaseEvent

	Trigger *models.Trigger `json:"trigger"`
}

func (TriggerCreated) GetType() EventType {
	return TriggerCreatedEvent
}

type TriggerUpdated struct {
	BaseEvent

	Trigger *models.Trigger `json:"trigger"`
}

func (TriggerUpdated) GetType() EventType {
	return TriggerUpdatedEvent
}

type TriggerDeleted struct {
	BaseEvent

	TriggerID string `json:"trigger_id"`
}

func (TriggerDeleted) GetType() EventType {
	return TriggerDeletedEvent
}

type AutomationCreated struct {
	BaseEvent

	Automation *models.Automation `json:"automation"`
}

func (AutomationCreated) GetType() EventType {
	return AutomationCreatedEvent
}

type AutomationUpdated struct {
	BaseEvent

	Automation *models.Automation `json:"automation"`
}

func (AutomationUpdated) GetType() EventType {
	return AutomationUpdatedEvent
}

type AutomationDeleted struct {
	BaseEvent

	AutomationID string `json:"automation_id"`
}

func (AutomationDeleted) GetType() EventType {
	return AutomationDeletedEvent
}
