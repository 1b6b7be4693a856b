package models

import (
	"fmt"
	"sort"
	"time"
)

// AutomationMetrics aggregates execution outcomes of one automation.
type AutomationMetrics struct {
	Started        int64   `json:"started"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	MessagesSent   int64   `json:"messages_sent"`
	MessagesFailed int64   `json:"messages_failed"`
	CompletionRate float64 `json:"completion_rate"`
	FailureRate    float64 `json:"failure_rate"`
	DeliveryRate   float64 `json:"delivery_rate"`
}

// Apply folds one outcome into the counters and recomputes the derived rates.
func (m *AutomationMetrics) Apply(kind OutcomeKind) {
	switch kind {
	case OutcomeExecutionStarted:
		m.Started++
	case OutcomeExecutionCompleted:
		m.Completed++
	case OutcomeExecutionFailed:
		m.Failed++
	case OutcomeMessageSent:
		m.MessagesSent++
	case OutcomeMessageFailed:
		m.MessagesFailed++
	case OutcomeStepCompleted:
	}

	m.Recompute()
}

// Recompute derives the rates from the counters.
func (m *AutomationMetrics) Recompute() {
	m.CompletionRate = ratio(m.Completed, m.Started)
	m.FailureRate = ratio(m.Failed, m.Started)
	m.DeliveryRate = ratio(m.MessagesSent, m.MessagesSent+m.MessagesFailed)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}

	return float64(n) / float64(d)
}

// Automation is a workflow definition bound to one trigger.
type Automation struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"                  validate:"required,min=3"`
	Description string            `json:"description,omitempty"`
	TriggerID   string            `json:"trigger_id"            validate:"required"`
	Steps       []*WorkflowStep   `json:"steps"`
	Active      bool              `json:"active"`
	Metrics     AutomationMetrics `json:"metrics"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EntryStep is the first step by declared order.
func (a *Automation) EntryStep() *WorkflowStep {
	if len(a.Steps) == 0 {
		return nil
	}

	steps := make([]*WorkflowStep, len(a.Steps))
	copy(steps, a.Steps)

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})

	return steps[0]
}

func (a *Automation) StepByID(id string) (*WorkflowStep, bool) {
	for _, step := range a.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// Validate checks struct tags, every step's configuration and the step graph:
// unique ids and no successor pointing at an unknown step.
func (a *Automation) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAutomation, err)
	}

	if a.Active && len(a.Steps) == 0 {
		return fmt.Errorf("%w: active automation requires at least one step", ErrInvalidAutomation)
	}

	ids := make(map[string]struct{}, len(a.Steps))

	for _, step := range a.Steps {
		if step == nil {
			return fmt.Errorf("%w: nil step", ErrInvalidAutomation)
		}

		if err := step.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAutomation, err)
		}

		if _, dup := ids[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidAutomation, step.ID)
		}

		ids[step.ID] = struct{}{}
	}

	for _, step := range a.Steps {
		for _, next := range step.Successors() {
			if _, ok := ids[next]; !ok {
				return fmt.Errorf("%w: step %s continues to unknown step %s", ErrInvalidAutomation, step.ID, next)
			}
		}
	}

	return nil
}
