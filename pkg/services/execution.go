package services

import (
	"context"
	"fmt"

	"github.com/dukex/nurture/pkg/engine"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

// ExecutionController is the slice of the execution engine exposed to
// operators.
type ExecutionController interface {
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	PauseExecution(ctx context.Context, id string) (*models.Execution, error)
	ResumeExecution(ctx context.Context, id string) (*models.Execution, error)
	ActiveExecutions() []*models.Execution
	Stats() engine.Stats
}

type Execution struct {
	repository persistence.ExecutionRepository
	controller ExecutionController
}

func NewExecution(repository persistence.ExecutionRepository, controller ExecutionController) *Execution {
	return &Execution{
		repository: repository,
		controller: controller,
	}
}

// List returns the executions of one automation, or those in the given
// statuses. Without filters it returns the live working set.
func (s *Execution) List(ctx context.Context, automationID string, statuses []models.ExecutionStatus) ([]*models.Execution, error) {
	for _, status := range statuses {
		switch status {
		case models.ExecutionStatusActive, models.ExecutionStatusPaused,
			models.ExecutionStatusCompleted, models.ExecutionStatusFailed:
		default:
			return nil, NewValidationError("List", "INVALID_STATUS",
				fmt.Sprintf("invalid execution status '%s'", status), ErrInvalidRequest)
		}
	}

	switch {
	case automationID != "":
		executions, err := s.repository.GetByAutomation(ctx, automationID)
		if err != nil {
			return nil, err
		}

		if len(statuses) == 0 {
			return executions, nil
		}

		filtered := make([]*models.Execution, 0, len(executions))

		for _, execution := range executions {
			for _, status := range statuses {
				if execution.Status == status {
					filtered = append(filtered, execution)

					break
				}
			}
		}

		return filtered, nil
	case len(statuses) > 0:
		return s.repository.GetByStatus(ctx, statuses...)
	default:
		return s.controller.ActiveExecutions(), nil
	}
}

func (s *Execution) FetchByID(ctx context.Context, id string) (*models.Execution, error) {
	return s.controller.GetExecution(ctx, id)
}

func (s *Execution) Pause(ctx context.Context, id string) (*models.Execution, error) {
	return s.controller.PauseExecution(ctx, id)
}

func (s *Execution) Resume(ctx context.Context, id string) (*models.Execution, error) {
	return s.controller.ResumeExecution(ctx, id)
}

func (s *Execution) Stats() engine.Stats {
	return s.controller.Stats()
}
