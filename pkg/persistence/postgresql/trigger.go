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

// TriggerRepository handles trigger-related database operations.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

const triggerColumns = `
			id
		  , trigger_type
		  , name
		  , event_type
		  , conditions
		  , active
		  , cooldown_minutes
		  , behavior
		  , schedule
		  , last_fired_at
		  , created_at
		  , updated_at`

func (r *TriggerRepository) GetAll(ctx context.Context) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistence.NewTriggerError("GetAll", "", err)
	}
	defer closeRows(ctx, r.logger, rows)

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, persistence.NewTriggerError("GetAll", "", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewTriggerError("GetAll", "", err)
	}

	return triggers, nil
}

func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE id = $1`

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTriggerError("GetByID", id, persistence.ErrTriggerNotFound)
		}

		return nil, persistence.NewTriggerError("GetByID", id, err)
	}

	return trigger, nil
}

func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	if trigger.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return persistence.NewTriggerError("Save", "", err)
		}

		trigger.ID = id.String()
	}

	now := time.Now().UTC()
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}

	trigger.UpdatedAt = now

	conditions, err := json.Marshal(nonNilConditions(trigger.Conditions))
	if err != nil {
		return persistence.NewTriggerError("Save", trigger.ID, fmt.Errorf("failed to marshal conditions: %w", err))
	}

	behavior, err := nullableJSON(func() ([]byte, error) { return json.Marshal(trigger.Behavior) }, trigger.Behavior != nil)
	if err != nil {
		return persistence.NewTriggerError("Save", trigger.ID, fmt.Errorf("failed to marshal behavior: %w", err))
	}

	schedule, err := nullableJSON(func() ([]byte, error) { return json.Marshal(trigger.Schedule) }, trigger.Schedule != nil)
	if err != nil {
		return persistence.NewTriggerError("Save", trigger.ID, fmt.Errorf("failed to marshal schedule: %w", err))
	}

	query := `
		INSERT INTO triggers (
			id, trigger_type, name, event_type, conditions, active, cooldown_minutes,
			behavior, schedule, last_fired_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			trigger_type = EXCLUDED.trigger_type,
			name = EXCLUDED.name,
			event_type = EXCLUDED.event_type,
			conditions = EXCLUDED.conditions,
			active = EXCLUDED.active,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			behavior = EXCLUDED.behavior,
			schedule = EXCLUDED.schedule,
			last_fired_at = COALESCE(EXCLUDED.last_fired_at, triggers.last_fired_at),
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		trigger.ID,
		string(trigger.Type),
		trigger.Name,
		trigger.EventType,
		conditions,
		trigger.Active,
		trigger.CooldownMinutes,
		behavior,
		schedule,
		trigger.LastFiredAt,
		trigger.CreatedAt,
		trigger.UpdatedAt,
	)
	if err != nil {
		return persistence.NewTriggerError("Save", trigger.ID, err)
	}

	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = $1", id)
	if err != nil {
		return persistence.NewTriggerError("Delete", id, err)
	}

	return requireAffected(result, persistence.NewTriggerError("Delete", id, persistence.ErrTriggerNotFound))
}

func (r *TriggerRepository) RecordFiring(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, "UPDATE triggers SET last_fired_at = $2 WHERE id = $1", id, at.UTC())
	if err != nil {
		return persistence.NewTriggerError("RecordFiring", id, err)
	}

	return requireAffected(result, persistence.NewTriggerError("RecordFiring", id, persistence.ErrTriggerNotFound))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row scanner) (*models.Trigger, error) {
	var (
		trigger     models.Trigger
		triggerType string
		eventType   sql.NullString
		conditions  []byte
		behavior    []byte
		schedule    []byte
		lastFiredAt sql.NullTime
	)

	err := row.Scan(
		&trigger.ID,
		&triggerType,
		&trigger.Name,
		&eventType,
		&conditions,
		&trigger.Active,
		&trigger.CooldownMinutes,
		&behavior,
		&schedule,
		&lastFiredAt,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.Type = models.TriggerType(triggerType)
	trigger.EventType = eventType.String
	trigger.LastFiredAt = nullTime(lastFiredAt)

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &trigger.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
		}
	}

	if len(behavior) > 0 {
		if err := json.Unmarshal(behavior, &trigger.Behavior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal behavior: %w", err)
		}
	}

	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &trigger.Schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
	}

	return &trigger, nil
}

func nonNilConditions(conditions []models.Condition) []models.Condition {
	if conditions == nil {
		return []models.Condition{}
	}

	return conditions
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
