package file

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

// ExecutionRepository stores one JSON document per execution under executions/.
type ExecutionRepository struct {
	mu    sync.RWMutex
	files jsonDir
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{files: newJSONDir(root, "executions")}
}

func (r *ExecutionRepository) Save(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.files.write(execution.ID, execution); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var execution models.Execution

	found, err := r.files.read(id, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	return &execution, nil
}

func (r *ExecutionRepository) GetByStatus(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list(func(e *models.Execution) bool {
		return len(statuses) == 0 || slices.Contains(statuses, e.Status)
	})
}

func (r *ExecutionRepository) GetByAutomation(_ context.Context, automationID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list(func(e *models.Execution) bool { return e.AutomationID == automationID })
}

func (r *ExecutionRepository) list(keep func(*models.Execution) bool) ([]*models.Execution, error) {
	ids, err := r.files.ids()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0)

	for _, id := range ids {
		var execution models.Execution

		found, err := r.files.read(id, &execution)
		if err != nil {
			return nil, persistence.NewExecutionError("list", id, err)
		}

		if found && keep(&execution) {
			executions = append(executions, &execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}
