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

type Trigger struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

// NewTrigger creates a new trigger service. A nil publisher disables change
// notifications.
func NewTrigger(logger *slog.Logger, persistence persistence.Persistence, publisher eventbus.EventPublisher) *Trigger {
	return &Trigger{
		persistence: persistence,
		publisher:   publisher,
		logger:      logger.With("module", "trigger_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Trigger) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (s *Trigger) List(ctx context.Context) ([]*models.Trigger, error) {
	triggers, err := s.persistence.TriggerRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	return triggers, nil
}

func (s *Trigger) FetchByID(ctx context.Context, id string) (*models.Trigger, error) {
	return s.persistence.TriggerRepository().GetByID(ctx, id)
}

// Create validates and stores a new trigger. Server-managed fields are reset.
func (s *Trigger) Create(ctx context.Context, trigger *models.Trigger) (*models.Trigger, error) {
	trigger.ID = ""
	trigger.LastFiredAt = nil

	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	if err := s.persistence.TriggerRepository().Save(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to create trigger: %w", err)
	}

	s.publish(ctx, trigger.ID, events.TriggerCreated{
		BaseEvent: events.NewBaseEvent(events.TriggerCreatedEvent),
		Trigger:   trigger,
	})

	return trigger, nil
}

// Update replaces the definition of an existing trigger. The change applies to
// events processed afterwards only.
func (s *Trigger) Update(ctx context.Context, id string, trigger *models.Trigger) (*models.Trigger, error) {
	existing, err := s.persistence.TriggerRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	trigger.ID = id
	trigger.CreatedAt = existing.CreatedAt
	trigger.LastFiredAt = existing.LastFiredAt

	return s.save(ctx, trigger)
}

// SetActive pauses or resumes a trigger.
func (s *Trigger) SetActive(ctx context.Context, id string, active bool) (*models.Trigger, error) {
	trigger, err := s.persistence.TriggerRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if trigger.Active == active {
		return trigger, nil
	}

	trigger.Active = active

	return s.save(ctx, trigger)
}

func (s *Trigger) save(ctx context.Context, trigger *models.Trigger) (*models.Trigger, error) {
	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	if err := s.persistence.TriggerRepository().Save(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to update trigger: %w", err)
	}

	s.publish(ctx, trigger.ID, events.TriggerUpdated{
		BaseEvent: events.NewBaseEvent(events.TriggerUpdatedEvent),
		Trigger:   trigger,
	})

	return trigger, nil
}

// Delete removes a trigger that no automation is bound to.
func (s *Trigger) Delete(ctx context.Context, id string) error {
	if _, err := s.persistence.TriggerRepository().GetByID(ctx, id); err != nil {
		return err
	}

	bound, err := s.persistence.AutomationRepository().GetByTrigger(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check bound automations: %w", err)
	}

	if len(bound) > 0 {
		return NewValidationError("Delete", "TRIGGER_IN_USE",
			fmt.Sprintf("trigger %s is bound to %d automation(s)", id, len(bound)), ErrTriggerInUse)
	}

	if err := s.persistence.TriggerRepository().Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	s.publish(ctx, id, events.TriggerDeleted{
		BaseEvent: events.NewBaseEvent(events.TriggerDeletedEvent),
		TriggerID: id,
	})

	return nil
}

func (s *Trigger) publish(ctx context.Context, key string, event eventbus.Event) {
	publish(ctx, s.logger, s.publisher, key, event)
}

// publish notifies other components of a definition change. The change is
// already stored, so a failed notification is only logged.
func publish(ctx context.Context, logger *slog.Logger, publisher eventbus.EventPublisher, key string, event eventbus.Event) {
	if publisher == nil {
		return
	}

	if err := publisher.Publish(ctx, key, event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish definition change", "key", key, "event_type", event.GetType(), "error", err)
	}
}
