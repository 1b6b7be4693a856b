package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type StepType string

const (
	StepTypeEmail     StepType = "email"
	StepTypeDelay     StepType = "delay"
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
)

// StepConfig is the type-specific configuration of a workflow step. Exactly
// one implementation exists per StepType.
type StepConfig interface {
	StepType() StepType
	Validate() error
}

// EmailConfig sends a message rendered from a stored template or an inline
// subject and body.
type EmailConfig struct {
	TemplateID string `json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	From       string `json:"from,omitempty"       validate:"omitempty,email"`
	ReplyTo    string `json:"reply_to,omitempty"   validate:"omitempty,email"`
}

func (EmailConfig) StepType() StepType { return StepTypeEmail }

func (c EmailConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStep, err)
	}

	if c.TemplateID == "" && (c.Subject == "" || c.Body == "") {
		return fmt.Errorf("%w: email step requires a template id or an inline subject and body", ErrInvalidStep)
	}

	return nil
}

type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
	DelayUnitWeeks   DelayUnit = "weeks"
)

type DelayConfig struct {
	Amount int       `json:"amount" validate:"min=1"`
	Unit   DelayUnit `json:"unit"   validate:"required,oneof=minutes hours days weeks"`
}

func (DelayConfig) StepType() StepType { return StepTypeDelay }

func (c DelayConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStep, err)
	}

	return nil
}

func (c DelayConfig) Duration() time.Duration {
	amount := time.Duration(c.Amount)

	switch c.Unit {
	case DelayUnitMinutes:
		return amount * time.Minute
	case DelayUnitHours:
		return amount * time.Hour
	case DelayUnitDays:
		return amount * 24 * time.Hour
	case DelayUnitWeeks:
		return amount * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ConditionalBranch routes to NextStepID when Condition holds.
type ConditionalBranch struct {
	Condition  Condition `json:"condition"`
	NextStepID string    `json:"next_step_id" validate:"required"`
	Label      string    `json:"label,omitempty"`
}

// ConditionConfig evaluates Rules against the subject; when they hold, the
// first matching branch wins, falling back to the step's NextStepID. When the
// rules fail the execution continues at ElseStepID, or ends if it is empty.
type ConditionConfig struct {
	Rules      []Condition         `json:"rules,omitempty"        validate:"dive"`
	Branches   []ConditionalBranch `json:"branches,omitempty"     validate:"dive"`
	ElseStepID string              `json:"else_step_id,omitempty"`
}

func (ConditionConfig) StepType() StepType { return StepTypeCondition }

func (c ConditionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStep, err)
	}

	if len(c.Rules) == 0 && len(c.Branches) == 0 {
		return fmt.Errorf("%w: condition step requires rules or branches", ErrInvalidStep)
	}

	return nil
}

type ActionType string

const (
	ActionAddTag         ActionType = "add_tag"
	ActionRemoveTag      ActionType = "remove_tag"
	ActionUpdateProperty ActionType = "update_property"
	ActionCreateTask     ActionType = "create_task"
)

type TaskSpec struct {
	Title       string `json:"title"                 validate:"required"`
	Description string `json:"description,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty" validate:"min=0"`
	Assignee    string `json:"assignee,omitempty"`
}

type ActionConfig struct {
	Action   ActionType `json:"action"             validate:"required,oneof=add_tag remove_tag update_property create_task"`
	Tag      string     `json:"tag,omitempty"`
	Property string     `json:"property,omitempty"`
	Value    any        `json:"value,omitempty"`
	Task     *TaskSpec  `json:"task,omitempty"`
}

func (ActionConfig) StepType() StepType { return StepTypeAction }

func (c ActionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStep, err)
	}

	switch c.Action {
	case ActionAddTag, ActionRemoveTag:
		if c.Tag == "" {
			return fmt.Errorf("%w: %s requires a tag", ErrInvalidStep, c.Action)
		}
	case ActionUpdateProperty:
		if c.Property == "" {
			return fmt.Errorf("%w: update_property requires a property", ErrInvalidStep)
		}
	case ActionCreateTask:
		if c.Task == nil {
			return fmt.Errorf("%w: create_task requires a task", ErrInvalidStep)
		}
	}

	return nil
}

// WorkflowStep is one node of an automation.
type WorkflowStep struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Type       StepType   `json:"type"`
	Order      int        `json:"order"`
	NextStepID string     `json:"next_step_id,omitempty"`
	Config     StepConfig `json:"config"`
}

// NewStep builds a step whose type is derived from its configuration and
// validated up front.
func NewStep(id string, order int, config StepConfig, nextStepID string) (*WorkflowStep, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: step %s has no configuration", ErrInvalidStep, id)
	}

	step := &WorkflowStep{
		ID:         id,
		Type:       config.StepType(),
		Order:      order,
		NextStepID: nextStepID,
		Config:     config,
	}

	if err := step.Validate(); err != nil {
		return nil, err
	}

	return step, nil
}

func (s *WorkflowStep) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: step id is required", ErrInvalidStep)
	}

	if s.Config == nil {
		return fmt.Errorf("%w: step %s has no configuration", ErrInvalidStep, s.ID)
	}

	if s.Config.StepType() != s.Type {
		return fmt.Errorf("%w: step %s declares type %s but carries %s configuration", ErrInvalidStep, s.ID, s.Type, s.Config.StepType())
	}

	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("step %s: %w", s.ID, err)
	}

	return nil
}

// Successors lists every step id this step may continue to.
func (s *WorkflowStep) Successors() []string {
	ids := make([]string, 0, 2)
	if s.NextStepID != "" {
		ids = append(ids, s.NextStepID)
	}

	if cfg, ok := s.Config.(ConditionConfig); ok {
		for _, b := range cfg.Branches {
			ids = append(ids, b.NextStepID)
		}

		if cfg.ElseStepID != "" {
			ids = append(ids, cfg.ElseStepID)
		}
	}

	return ids
}

type wireStep struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Type       StepType        `json:"type"`
	Order      int             `json:"order"`
	NextStepID string          `json:"next_step_id,omitempty"`
	Config     json.RawMessage `json:"config"`
}

func (s WorkflowStep) MarshalJSON() ([]byte, error) {
	config, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step %s config: %w", s.ID, err)
	}

	return json.Marshal(wireStep{
		ID:         s.ID,
		Name:       s.Name,
		Type:       s.Type,
		Order:      s.Order,
		NextStepID: s.NextStepID,
		Config:     config,
	})
}

func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	var wire wireStep
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	config, err := decodeStepConfig(wire.Type, wire.Config)
	if err != nil {
		return fmt.Errorf("step %s: %w", wire.ID, err)
	}

	*s = WorkflowStep{
		ID:         wire.ID,
		Name:       wire.Name,
		Type:       wire.Type,
		Order:      wire.Order,
		NextStepID: wire.NextStepID,
		Config:     config,
	}

	return nil
}

func decodeStepConfig(stepType StepType, raw json.RawMessage) (StepConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}

	switch stepType {
	case StepTypeEmail:
		var c EmailConfig
		err := json.Unmarshal(raw, &c)

		return c, err
	case StepTypeDelay:
		var c DelayConfig
		err := json.Unmarshal(raw, &c)

		return c, err
	case StepTypeCondition:
		var c ConditionConfig
		err := json.Unmarshal(raw, &c)

		return c, err
	case StepTypeAction:
		var c ActionConfig
		err := json.Unmarshal(raw, &c)

		return c, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}
}
