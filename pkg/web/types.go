// Package web provides the HTTP surface of the automation service.
package web

import (
	"time"

	"github.com/dukex/nurture/pkg/models"
)

// TrackEventRequest is the body of POST /events.
type TrackEventRequest struct {
	Type      string         `json:"type"                validate:"required"`
	SubjectID string         `json:"subject_id"          validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// TrackEventResponse acknowledges a queued event.
type TrackEventResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateTriggerRequest is the body of POST /triggers. Active defaults to true.
type CreateTriggerRequest struct {
	Type            models.TriggerType    `json:"type"                       validate:"required"`
	Name            string                `json:"name"                       validate:"required,min=3"`
	EventType       string                `json:"event_type,omitempty"`
	Conditions      []models.Condition    `json:"conditions,omitempty"`
	Active          *bool                 `json:"active,omitempty"`
	CooldownMinutes int                   `json:"cooldown_minutes,omitempty" validate:"min=0"`
	Behavior        *models.BehaviorRules `json:"behavior,omitempty"`
	Schedule        *models.Schedule      `json:"schedule,omitempty"`
}

// UpdateTriggerRequest is the body of PATCH /triggers/:id. Omitted fields
// keep their stored value.
type UpdateTriggerRequest struct {
	Name            *string               `json:"name,omitempty"             validate:"omitempty,min=3"`
	EventType       *string               `json:"event_type,omitempty"`
	Conditions      []models.Condition    `json:"conditions,omitempty"`
	CooldownMinutes *int                  `json:"cooldown_minutes,omitempty" validate:"omitempty,min=0"`
	Behavior        *models.BehaviorRules `json:"behavior,omitempty"`
	Schedule        *models.Schedule      `json:"schedule,omitempty"`
}

// CreateAutomationRequest is the body of POST /automations. Active defaults to true.
type CreateAutomationRequest struct {
	Name        string                 `json:"name"                  validate:"required,min=3"`
	Description string                 `json:"description,omitempty"`
	TriggerID   string                 `json:"trigger_id"            validate:"required"`
	Steps       []*models.WorkflowStep `json:"steps"                 validate:"required,min=1"`
	Active      *bool                  `json:"active,omitempty"`
}

// UpdateAutomationRequest is the body of PATCH /automations/:id.
type UpdateAutomationRequest struct {
	Name        *string                `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string                `json:"description,omitempty"`
	TriggerID   *string                `json:"trigger_id,omitempty"`
	Steps       []*models.WorkflowStep `json:"steps,omitempty"`
}

// AutomationMetricsResponse pairs the counters of an automation with its
// most recent outcomes.
type AutomationMetricsResponse struct {
	Metrics  *models.AutomationMetrics `json:"metrics"`
	Outcomes []models.Outcome          `json:"outcomes"`
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}

	return *value
}
