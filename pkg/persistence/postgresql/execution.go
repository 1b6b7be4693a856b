package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/lib/pq"
)

// ExecutionRepository handles execution state.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionSelect = `
		SELECT
			id
		  , automation_id
		  , COALESCE(trigger_id, '')
		  , subject_id
		  , current_step_id
		  , status
		  , started_at
		  , updated_at
		  , completed_at
		  , scheduled_resume_at
		  , context
		  , COALESCE(error_message, '')
		  , history
		FROM executions`

func (r *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	contextJSON, err := json.Marshal(nonNilMap(execution.Context))
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal context: %w", err))
	}

	history := execution.History
	if history == nil {
		history = []models.StepRecord{}
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal history: %w", err))
	}

	query := `
		INSERT INTO executions (
			id, automation_id, trigger_id, subject_id, current_step_id, status,
			started_at, updated_at, completed_at, scheduled_resume_at, context, error_message, history
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			current_step_id = EXCLUDED.current_step_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			scheduled_resume_at = EXCLUDED.scheduled_resume_at,
			context = EXCLUDED.context,
			error_message = EXCLUDED.error_message,
			history = EXCLUDED.history
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.AutomationID,
		execution.TriggerID,
		execution.SubjectID,
		execution.CurrentStepID,
		string(execution.Status),
		execution.StartedAt,
		execution.UpdatedAt,
		execution.CompletedAt,
		execution.ScheduledResumeAt,
		contextJSON,
		execution.Error,
		historyJSON,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	execution, err := scanExecution(r.db.QueryRowContext(ctx, executionSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) GetByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	if len(statuses) == 0 {
		return r.query(ctx, "GetByStatus", executionSelect+` ORDER BY started_at`)
	}

	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	return r.query(ctx, "GetByStatus", executionSelect+` WHERE status = ANY($1) ORDER BY started_at`, pq.Array(values))
}

func (r *ExecutionRepository) GetByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error) {
	return r.query(ctx, "GetByAutomation", executionSelect+` WHERE automation_id = $1 ORDER BY started_at`, automationID)
}

func (r *ExecutionRepository) query(ctx context.Context, op, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewExecutionError(op, "", err)
	}
	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewExecutionError(op, "", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewExecutionError(op, "", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution         models.Execution
		status            string
		completedAt       sql.NullTime
		scheduledResumeAt sql.NullTime
		contextJSON       []byte
		historyJSON       []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.AutomationID,
		&execution.TriggerID,
		&execution.SubjectID,
		&execution.CurrentStepID,
		&status,
		&execution.StartedAt,
		&execution.UpdatedAt,
		&completedAt,
		&scheduledResumeAt,
		&contextJSON,
		&execution.Error,
		&historyJSON,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatus(status)
	execution.CompletedAt = nullTime(completedAt)
	execution.ScheduledResumeAt = nullTime(scheduledResumeAt)

	if err := json.Unmarshal(contextJSON, &execution.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	if err := json.Unmarshal(historyJSON, &execution.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	return &execution, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
