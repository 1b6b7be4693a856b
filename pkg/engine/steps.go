package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/delivery"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/templates"
	"github.com/google/uuid"
)

// runStep executes one step against a working copy of the execution and
// moves CurrentStepID to its successor. The returned detail goes into the
// step history.
func (e *Engine) runStep(
	ctx context.Context,
	automation *models.Automation,
	step *models.WorkflowStep,
	execution *models.Execution,
	now time.Time,
) (string, error) {
	switch cfg := step.Config.(type) {
	case models.EmailConfig:
		detail, err := e.runEmail(ctx, automation, step, cfg, execution)
		if err != nil {
			return "", err
		}

		execution.CurrentStepID = step.NextStepID

		return detail, nil
	case models.DelayConfig:
		resumeAt := now.Add(cfg.Duration())
		execution.ScheduledResumeAt = &resumeAt
		execution.CurrentStepID = step.NextStepID

		return "resume at " + resumeAt.Format(time.RFC3339), nil
	case models.ConditionConfig:
		next, detail, err := e.runCondition(ctx, step, cfg, execution)
		if err != nil {
			return "", err
		}

		execution.CurrentStepID = next

		return detail, nil
	case models.ActionConfig:
		detail, err := e.runAction(ctx, automation, cfg, execution, now)
		if err != nil {
			return "", err
		}

		execution.CurrentStepID = step.NextStepID

		return detail, nil
	default:
		return "", fmt.Errorf("%w: %s", models.ErrUnknownStepType, step.Type)
	}
}

func (e *Engine) runEmail(
	ctx context.Context,
	automation *models.Automation,
	step *models.WorkflowStep,
	cfg models.EmailConfig,
	execution *models.Execution,
) (string, error) {
	subject, err := e.subjects.Get(ctx, execution.SubjectID)
	if err != nil {
		return "", err
	}

	if subject.Email == "" {
		return "", fmt.Errorf("subject %s: %w", subject.ID, delivery.ErrNoAddress)
	}

	msg, err := e.renderer.Render(ctx, protocol.RenderRequest{
		TemplateID: cfg.TemplateID,
		Subject:    cfg.Subject,
		Body:       cfg.Body,
	}, personalization(automation, execution, subject))
	if err != nil {
		return "", err
	}

	if cfg.From != "" {
		msg.From = cfg.From
	}

	if cfg.ReplyTo != "" {
		msg.ReplyTo = cfg.ReplyTo
	}

	err = e.dispatcher.Submit(ctx, Delivery{
		AutomationID: automation.ID,
		ExecutionID:  execution.ID,
		StepID:       step.ID,
		Message:      msg,
		Recipient: models.Recipient{
			SubjectID: subject.ID,
			Email:     subject.Email,
			Phone:     subject.Phone,
			Name:      strings.TrimSpace(subject.FirstName + " " + subject.LastName),
		},
	})
	if err != nil {
		return "", err
	}

	return "queued to " + subject.Email, nil
}

// runCondition picks the next step. When the rules hold, the first branch
// whose condition holds wins and the step's NextStepID is the fallback;
// otherwise ElseStepID is taken, ending the execution when it is empty.
func (e *Engine) runCondition(
	ctx context.Context,
	step *models.WorkflowStep,
	cfg models.ConditionConfig,
	execution *models.Execution,
) (string, string, error) {
	all := make([]models.Condition, 0, len(cfg.Rules)+len(cfg.Branches))
	all = append(all, cfg.Rules...)

	for _, branch := range cfg.Branches {
		all = append(all, branch.Condition)
	}

	var subject *models.Subject

	if conditions.NeedsSubject(all) {
		var err error

		subject, err = e.subjects.Get(ctx, execution.SubjectID)
		if err != nil {
			return "", "", err
		}
	}

	event := execution.Event()

	holds, err := conditions.Evaluate(cfg.Rules, subject, event)
	if err != nil {
		return "", "", err
	}

	if !holds {
		return cfg.ElseStepID, "rules failed", nil
	}

	for i, branch := range cfg.Branches {
		matched, err := conditions.EvaluateOne(branch.Condition, subject, event)
		if err != nil {
			return "", "", err
		}

		if matched {
			label := branch.Label
			if label == "" {
				label = fmt.Sprintf("#%d", i+1)
			}

			return branch.NextStepID, "branch " + label, nil
		}
	}

	return step.NextStepID, "default", nil
}

func (e *Engine) runAction(
	ctx context.Context,
	automation *models.Automation,
	cfg models.ActionConfig,
	execution *models.Execution,
	now time.Time,
) (string, error) {
	id := execution.SubjectID

	switch cfg.Action {
	case models.ActionAddTag:
		return "tag " + cfg.Tag + " added", e.subjects.AddTag(ctx, id, cfg.Tag)
	case models.ActionRemoveTag:
		return "tag " + cfg.Tag + " removed", e.subjects.RemoveTag(ctx, id, cfg.Tag)
	case models.ActionUpdateProperty:
		value := cfg.Value

		if text, ok := value.(string); ok && strings.Contains(text, "{{") {
			subject, err := e.subjects.Get(ctx, id)
			if err != nil {
				return "", err
			}

			value = templates.Substitute(text, personalization(automation, execution, subject))
		}

		return "property " + cfg.Property + " updated", e.subjects.UpdateProperty(ctx, id, cfg.Property, value)
	case models.ActionCreateTask:
		taskID, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate task id: %w", err)
		}

		task := &models.Task{
			ID:          taskID.String(),
			SubjectID:   id,
			Title:       cfg.Task.Title,
			Description: cfg.Task.Description,
			Assignee:    cfg.Task.Assignee,
			CreatedAt:   now,
		}

		if cfg.Task.DueInDays > 0 {
			due := now.AddDate(0, 0, cfg.Task.DueInDays)
			task.DueAt = &due
		}

		return "task " + task.ID + " created", e.subjects.CreateTask(ctx, task)
	default:
		return "", fmt.Errorf("%w: unknown action %q", models.ErrInvalidStep, cfg.Action)
	}
}

// personalization builds the variables available to templates: subject
// fields at the top level and under "contact", plus event, automation and
// execution namespaces.
func personalization(automation *models.Automation, execution *models.Execution, subject *models.Subject) map[string]any {
	fields := subject.Fields()

	vars := maps.Clone(fields)
	vars["contact"] = fields

	event := make(map[string]any)
	if payload, ok := execution.Context[models.ContextPayload].(map[string]any); ok {
		maps.Copy(event, payload)
	}

	event["id"] = execution.Context[models.ContextEventID]
	event["type"] = execution.Context[models.ContextEventType]

	vars["event"] = event
	vars["automation"] = map[string]any{"id": automation.ID, "name": automation.Name}
	vars["execution"] = map[string]any{"id": execution.ID}

	return vars
}
