// Package persistence provides the storage abstraction for triggers,
// automations, executions and the outcome stream.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/nurture/pkg/models"
)

type Persistence interface {
	TriggerRepository() TriggerRepository
	AutomationRepository() AutomationRepository
	ExecutionRepository() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type TriggerRepository interface {
	GetAll(ctx context.Context) ([]*models.Trigger, error)
	GetByID(ctx context.Context, id string) (*models.Trigger, error)
	Save(ctx context.Context, trigger *models.Trigger) error
	Delete(ctx context.Context, id string) error
	// RecordFiring stores the last firing instant used for cooldowns and schedules.
	RecordFiring(ctx context.Context, id string, at time.Time) error
}

type AutomationRepository interface {
	GetAll(ctx context.Context) ([]*models.Automation, error)
	GetByID(ctx context.Context, id string) (*models.Automation, error)
	GetByTrigger(ctx context.Context, triggerID string) ([]*models.Automation, error)
	// Save stores the definition. Metrics are owned by RecordOutcome and are
	// never overwritten by Save.
	Save(ctx context.Context, automation *models.Automation) error
	Delete(ctx context.Context, id string) error
	RecordOutcome(ctx context.Context, outcome models.Outcome) error
	Outcomes(ctx context.Context, automationID string, limit int) ([]models.Outcome, error)
}

type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	GetByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error)
	GetByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error)
}
