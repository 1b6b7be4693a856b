package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

type Automation struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

// NewAutomation creates a new automation service. A nil publisher disables
// change notifications.
func NewAutomation(logger *slog.Logger, persistence persistence.Persistence, publisher eventbus.EventPublisher) *Automation {
	return &Automation{
		persistence: persistence,
		publisher:   publisher,
		logger:      logger.With("module", "automation_service"),
	}
}

func (s *Automation) List(ctx context.Context) ([]*models.Automation, error) {
	automations, err := s.persistence.AutomationRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}

	return automations, nil
}

func (s *Automation) FetchByID(ctx context.Context, id string) (*models.Automation, error) {
	return s.persistence.AutomationRepository().GetByID(ctx, id)
}

// Create validates and stores a new automation bound to an existing trigger.
func (s *Automation) Create(ctx context.Context, automation *models.Automation) (*models.Automation, error) {
	automation.ID = ""
	automation.Metrics = models.AutomationMetrics{}

	if err := s.validate(ctx, automation); err != nil {
		return nil, err
	}

	if err := s.persistence.AutomationRepository().Save(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}

	s.publish(ctx, automation.ID, events.AutomationCreated{
		BaseEvent:  events.NewBaseEvent(events.AutomationCreatedEvent),
		Automation: automation,
	})

	return automation, nil
}

// Update replaces the definition. Running executions pick the new definition
// up at their next step.
func (s *Automation) Update(ctx context.Context, id string, automation *models.Automation) (*models.Automation, error) {
	existing, err := s.persistence.AutomationRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	automation.ID = id
	automation.CreatedAt = existing.CreatedAt

	return s.save(ctx, automation)
}

// SetActive pauses or resumes an automation. Paused automations start no new
// executions.
func (s *Automation) SetActive(ctx context.Context, id string, active bool) (*models.Automation, error) {
	automation, err := s.persistence.AutomationRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if automation.Active == active {
		return automation, nil
	}

	automation.Active = active

	return s.save(ctx, automation)
}

func (s *Automation) save(ctx context.Context, automation *models.Automation) (*models.Automation, error) {
	if err := s.validate(ctx, automation); err != nil {
		return nil, err
	}

	if err := s.persistence.AutomationRepository().Save(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to update automation: %w", err)
	}

	saved, err := s.persistence.AutomationRepository().GetByID(ctx, automation.ID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, saved.ID, events.AutomationUpdated{
		BaseEvent:  events.NewBaseEvent(events.AutomationUpdatedEvent),
		Automation: saved,
	})

	return saved, nil
}

func (s *Automation) Delete(ctx context.Context, id string) error {
	if err := s.persistence.AutomationRepository().Delete(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, id, events.AutomationDeleted{
		BaseEvent:    events.NewBaseEvent(events.AutomationDeletedEvent),
		AutomationID: id,
	})

	return nil
}

func (s *Automation) Metrics(ctx context.Context, id string) (*models.AutomationMetrics, error) {
	automation, err := s.persistence.AutomationRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &automation.Metrics, nil
}

// Outcomes returns the most recent outcomes of an automation, newest first.
func (s *Automation) Outcomes(ctx context.Context, id string, limit int) ([]models.Outcome, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	if _, err := s.persistence.AutomationRepository().GetByID(ctx, id); err != nil {
		return nil, err
	}

	return s.persistence.AutomationRepository().Outcomes(ctx, id, limit)
}

func (s *Automation) Executions(ctx context.Context, id string) ([]*models.Execution, error) {
	return s.persistence.ExecutionRepository().GetByAutomation(ctx, id)
}

func (s *Automation) validate(ctx context.Context, automation *models.Automation) error {
	if err := automation.Validate(); err != nil {
		return err
	}

	_, err := s.persistence.TriggerRepository().GetByID(ctx, automation.TriggerID)
	if persistence.IsTriggerNotFound(err) {
		return NewValidationError("validate", "UNKNOWN_TRIGGER",
			fmt.Sprintf("trigger %s does not exist", automation.TriggerID), ErrUnknownTrigger)
	}

	return err
}

func (s *Automation) publish(ctx context.Context, key string, event eventbus.Event) {
	publish(ctx, s.logger, s.publisher, key, event)
}
