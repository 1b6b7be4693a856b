package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/google/uuid"
)

// AutomationRepository handles automation definitions, their aggregated
// metrics and the outcome stream.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

const automationSelect = `
		SELECT
			a.id
		  , a.name
		  , a.description
		  , a.trigger_id
		  , a.steps
		  , a.active
		  , a.created_at
		  , a.updated_at
		  , COALESCE(m.started, 0)
		  , COALESCE(m.completed, 0)
		  , COALESCE(m.failed, 0)
		  , COALESCE(m.messages_sent, 0)
		  , COALESCE(m.messages_failed, 0)
		FROM automations a
		LEFT JOIN automation_metrics m ON m.automation_id = a.id`

func (r *AutomationRepository) GetAll(ctx context.Context) ([]*models.Automation, error) {
	return r.query(ctx, "GetAll", automationSelect+` ORDER BY a.created_at`)
}

func (r *AutomationRepository) GetByTrigger(ctx context.Context, triggerID string) ([]*models.Automation, error) {
	return r.query(ctx, "GetByTrigger", automationSelect+` WHERE a.trigger_id = $1 ORDER BY a.created_at`, triggerID)
}

func (r *AutomationRepository) query(ctx context.Context, op, query string, args ...any) ([]*models.Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewAutomationError(op, "", err)
	}
	defer closeRows(ctx, r.logger, rows)

	automations := make([]*models.Automation, 0)

	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, persistence.NewAutomationError(op, "", err)
		}

		automations = append(automations, automation)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewAutomationError(op, "", err)
	}

	return automations, nil
}

func (r *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	automation, err := scanAutomation(r.db.QueryRowContext(ctx, automationSelect+` WHERE a.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewAutomationError("GetByID", id, persistence.ErrAutomationNotFound)
		}

		return nil, persistence.NewAutomationError("GetByID", id, err)
	}

	return automation, nil
}

func (r *AutomationRepository) Save(ctx context.Context, automation *models.Automation) error {
	if automation.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return persistence.NewAutomationError("Save", "", err)
		}

		automation.ID = id.String()
	}

	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	steps := automation.Steps
	if steps == nil {
		steps = []*models.WorkflowStep{}
	}

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return persistence.NewAutomationError("Save", automation.ID, fmt.Errorf("failed to marshal steps: %w", err))
	}

	query := `
		INSERT INTO automations (id, name, description, trigger_id, steps, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_id = EXCLUDED.trigger_id,
			steps = EXCLUDED.steps,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		automation.ID,
		automation.Name,
		automation.Description,
		automation.TriggerID,
		stepsJSON,
		automation.Active,
		automation.CreatedAt,
		automation.UpdatedAt,
	)
	if err != nil {
		return persistence.NewAutomationError("Save", automation.ID, err)
	}

	return nil
}

func (r *AutomationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automations WHERE id = $1", id)
	if err != nil {
		return persistence.NewAutomationError("Delete", id, err)
	}

	return requireAffected(result, persistence.NewAutomationError("Delete", id, persistence.ErrAutomationNotFound))
}

var metricColumns = map[models.OutcomeKind]string{
	models.OutcomeExecutionStarted:   "started",
	models.OutcomeExecutionCompleted: "completed",
	models.OutcomeExecutionFailed:    "failed",
	models.OutcomeMessageSent:        "messages_sent",
	models.OutcomeMessageFailed:      "messages_failed",
}

// RecordOutcome appends the outcome and increments the matching counter in one transaction.
func (r *AutomationRepository) RecordOutcome(ctx context.Context, outcome models.Outcome) error {
	id := outcome.AutomationID

	var snapshot any

	if outcome.Snapshot != nil {
		data, err := json.Marshal(outcome.Snapshot)
		if err != nil {
			return persistence.NewAutomationError("RecordOutcome", id, fmt.Errorf("failed to marshal snapshot: %w", err))
		}

		snapshot = data
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewAutomationError("RecordOutcome", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_outcomes (
			automation_id, execution_id, subject_id, step_id, kind, error_message, message_id, snapshot, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id,
		outcome.ExecutionID,
		outcome.SubjectID,
		outcome.StepID,
		string(outcome.Kind),
		outcome.Error,
		outcome.MessageID,
		snapshot,
		outcome.Timestamp.UTC(),
	)
	if err != nil {
		_ = tx.Rollback()

		return persistence.NewAutomationError("RecordOutcome", id, err)
	}

	if column, ok := metricColumns[outcome.Kind]; ok {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_metrics (automation_id, `+column+`)
			SELECT id, 1 FROM automations WHERE id = $1
			ON CONFLICT (automation_id) DO UPDATE SET
				`+column+` = automation_metrics.`+column+` + 1`, id)
		if err != nil {
			_ = tx.Rollback()

			return persistence.NewAutomationError("RecordOutcome", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistence.NewAutomationError("RecordOutcome", id, err)
	}

	return nil
}

// Outcomes returns the most recent outcomes of an automation, newest first.
func (r *AutomationRepository) Outcomes(ctx context.Context, automationID string, limit int) ([]models.Outcome, error) {
	query := `
		SELECT
			automation_id
		  , execution_id
		  , COALESCE(subject_id, '')
		  , COALESCE(step_id, '')
		  , kind
		  , COALESCE(error_message, '')
		  , COALESCE(message_id, '')
		  , snapshot
		  , occurred_at
		FROM execution_outcomes
		WHERE automation_id = $1
		ORDER BY id DESC`

	args := []any{automationID}
	if limit > 0 {
		query += ` LIMIT $2`

		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewAutomationError("Outcomes", automationID, err)
	}
	defer closeRows(ctx, r.logger, rows)

	outcomes := make([]models.Outcome, 0)

	for rows.Next() {
		var (
			outcome  models.Outcome
			kind     string
			snapshot []byte
		)

		err := rows.Scan(
			&outcome.AutomationID,
			&outcome.ExecutionID,
			&outcome.SubjectID,
			&outcome.StepID,
			&kind,
			&outcome.Error,
			&outcome.MessageID,
			&snapshot,
			&outcome.Timestamp,
		)
		if err != nil {
			return nil, persistence.NewAutomationError("Outcomes", automationID, err)
		}

		outcome.Kind = models.OutcomeKind(kind)

		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &outcome.Snapshot); err != nil {
				return nil, persistence.NewAutomationError("Outcomes", automationID, err)
			}
		}

		outcomes = append(outcomes, outcome)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewAutomationError("Outcomes", automationID, err)
	}

	return outcomes, nil
}

func scanAutomation(row scanner) (*models.Automation, error) {
	var (
		automation models.Automation
		steps      []byte
		counters   [5]int64
	)

	err := row.Scan(
		&automation.ID,
		&automation.Name,
		&automation.Description,
		&automation.TriggerID,
		&steps,
		&automation.Active,
		&automation.CreatedAt,
		&automation.UpdatedAt,
		&counters[0],
		&counters[1],
		&counters[2],
		&counters[3],
		&counters[4],
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(steps, &automation.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	automation.Metrics = rebuildMetrics(counters)

	return &automation, nil
}

func rebuildMetrics(counters [5]int64) models.AutomationMetrics {
	metrics := models.AutomationMetrics{
		Started:        counters[0],
		Completed:      counters[1],
		Failed:         counters[2],
		MessagesSent:   counters[3],
		MessagesFailed: counters[4],
	}
	metrics.Recompute()

	return metrics
}
