package models

import (
	"fmt"
	"time"
)

type TriggerType string

const (
	TriggerTypeTimeBased     TriggerType = "time_based"
	TriggerTypeBehavioral    TriggerType = "behavioral"
	TriggerTypeEvent         TriggerType = "event"
	TriggerTypeContactAction TriggerType = "contact_action"
)

// FrequencyLimit caps the number of firings of a trigger within a rolling period.
type FrequencyLimit struct {
	Count         int `json:"count"          validate:"min=1"`
	PeriodMinutes int `json:"period_minutes" validate:"min=1"`
}

func (f *FrequencyLimit) Period() time.Duration {
	return time.Duration(f.PeriodMinutes) * time.Minute
}

// BehaviorRules carries the tracking rules of a behavioral trigger.
type BehaviorRules struct {
	Category        string          `json:"category"                  validate:"required"`
	EventType       string          `json:"event_type"                validate:"required"`
	Conditions      []Condition     `json:"conditions,omitempty"      validate:"dive"`
	FrequencyLimit  *FrequencyLimit `json:"frequency_limit,omitempty"`
	CooldownMinutes int             `json:"cooldown_minutes,omitempty" validate:"min=0"`
}

type Trigger struct {
	ID              string         `json:"id"`
	Type            TriggerType    `json:"type"                       validate:"required,oneof=time_based behavioral event contact_action"`
	Name            string         `json:"name"                       validate:"required,min=3"`
	EventType       string         `json:"event_type,omitempty"`
	Conditions      []Condition    `json:"conditions,omitempty"       validate:"dive"`
	Active          bool           `json:"active"`
	CooldownMinutes int            `json:"cooldown_minutes,omitempty" validate:"min=0"`
	Behavior        *BehaviorRules `json:"behavior,omitempty"`
	Schedule        *Schedule      `json:"schedule,omitempty"`
	LastFiredAt     *time.Time     `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks struct tags and the type-specific requirements.
func (t *Trigger) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}

	switch t.Type {
	case TriggerTypeTimeBased:
		if t.Schedule == nil {
			return fmt.Errorf("%w: time-based trigger requires a schedule", ErrInvalidTrigger)
		}

		if err := t.Schedule.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
	case TriggerTypeBehavioral:
		if t.Behavior == nil {
			return fmt.Errorf("%w: behavioral trigger requires tracking rules", ErrInvalidTrigger)
		}

		if err := validate.Struct(t.Behavior); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}

		if t.Behavior.FrequencyLimit != nil {
			if err := validate.Struct(t.Behavior.FrequencyLimit); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
			}
		}
	case TriggerTypeEvent, TriggerTypeContactAction:
		if t.EventType == "" {
			return fmt.Errorf("%w: %s trigger requires an event type", ErrInvalidTrigger, t.Type)
		}
	}

	return nil
}

// MatchesEventType reports whether an ordinary (non-targeted) event of the
// given type is a candidate for this trigger. Time-based triggers only fire
// from the schedule sweep.
func (t *Trigger) MatchesEventType(eventType string) bool {
	switch t.Type {
	case TriggerTypeBehavioral:
		return t.Behavior != nil && t.Behavior.EventType == eventType
	case TriggerTypeEvent, TriggerTypeContactAction:
		return t.EventType == eventType
	default:
		return false
	}
}

// Cooldown is the minimum gap between two firings. A behavioral cooldown
// overrides the trigger-level one.
func (t *Trigger) Cooldown() time.Duration {
	minutes := t.CooldownMinutes
	if t.Behavior != nil && t.Behavior.CooldownMinutes > 0 {
		minutes = t.Behavior.CooldownMinutes
	}

	return time.Duration(minutes) * time.Minute
}

func (t *Trigger) FrequencyLimit() *FrequencyLimit {
	if t.Behavior == nil {
		return nil
	}

	return t.Behavior.FrequencyLimit
}
