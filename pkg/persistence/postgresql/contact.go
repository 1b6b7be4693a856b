package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ContactRepository implements protocol.SubjectStore over the contacts table.
// Database failures are reported as transient so executions retry them.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ protocol.SubjectStore = (*ContactRepository)(nil)

func NewContactRepository(db *sql.DB, logger *slog.Logger) *ContactRepository {
	return &ContactRepository{db: db, logger: logger}
}

const contactSelect = `
		SELECT
			id
		  , COALESCE(email, '')
		  , COALESCE(phone, '')
		  , COALESCE(first_name, '')
		  , COALESCE(last_name, '')
		  , tags
		  , properties
		  , created_at
		  , updated_at
		FROM contacts`

func (r *ContactRepository) Get(ctx context.Context, id string) (*models.Subject, error) {
	subject, err := scanContact(r.db.QueryRowContext(ctx, contactSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact %s: %w", id, protocol.ErrSubjectNotFound)
		}

		return nil, protocol.Transient(fmt.Errorf("failed to load contact %s: %w", id, err))
	}

	return subject, nil
}

// Find loads the contacts and keeps those matching the filter.
func (r *ContactRepository) Find(ctx context.Context, filter []models.Condition) ([]*models.Subject, error) {
	rows, err := r.db.QueryContext(ctx, contactSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to query contacts: %w", err))
	}
	defer closeRows(ctx, r.logger, rows)

	subjects := make([]*models.Subject, 0)

	for rows.Next() {
		subject, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}

		matched, err := conditions.Evaluate(filter, subject, nil)
		if err != nil {
			return nil, err
		}

		if matched {
			subjects = append(subjects, subject)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, protocol.Transient(fmt.Errorf("error iterating contacts: %w", err))
	}

	return subjects, nil
}

// Save inserts or replaces a contact.
func (r *ContactRepository) Save(ctx context.Context, subject *models.Subject) error {
	now := time.Now().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}

	subject.UpdatedAt = now

	properties, err := json.Marshal(nonNilMap(subject.Properties))
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	tags := subject.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO contacts (id, email, phone, first_name, last_name, tags, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			tags = EXCLUDED.tags,
			properties = EXCLUDED.properties,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		subject.ID,
		subject.Email,
		subject.Phone,
		subject.FirstName,
		subject.LastName,
		pq.Array(tags),
		properties,
		subject.CreatedAt,
		subject.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact %s: %w", subject.ID, err)
	}

	return nil
}

func (r *ContactRepository) AddTag(ctx context.Context, id, tag string) error {
	return r.update(ctx, id, `
		UPDATE contacts
		SET tags = CASE WHEN $2::text = ANY(tags) THEN tags ELSE array_append(tags, $2::text) END,
			updated_at = NOW()
		WHERE id = $1`, id, tag)
}

func (r *ContactRepository) RemoveTag(ctx context.Context, id, tag string) error {
	return r.update(ctx, id, `UPDATE contacts SET tags = array_remove(tags, $2), updated_at = NOW() WHERE id = $1`, id, tag)
}

func (r *ContactRepository) UpdateProperty(ctx context.Context, id, property string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal property %s: %w", property, err)
	}

	return r.update(ctx, id, `
		UPDATE contacts
		SET properties = jsonb_set(properties, ARRAY[$2::text], $3::jsonb, true),
			updated_at = NOW()
		WHERE id = $1`, id, property, encoded)
}

func (r *ContactRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		task.ID = id.String()
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contact_tasks (id, contact_id, title, description, assignee, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID,
		task.SubjectID,
		task.Title,
		task.Description,
		task.Assignee,
		task.DueAt,
		task.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return fmt.Errorf("contact %s: %w", task.SubjectID, protocol.ErrSubjectNotFound)
		}

		return protocol.Transient(fmt.Errorf("failed to create task: %w", err))
	}

	return nil
}

// Tasks lists the tasks of a contact, oldest first.
func (r *ContactRepository) Tasks(ctx context.Context, contactID string) ([]*models.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contact_id, title, COALESCE(description, ''), COALESCE(assignee, ''), due_at, created_at
		FROM contact_tasks
		WHERE contact_id = $1
		ORDER BY created_at`, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	tasks := make([]*models.Task, 0)

	for rows.Next() {
		var (
			task  models.Task
			dueAt sql.NullTime
		)

		if err := rows.Scan(&task.ID, &task.SubjectID, &task.Title, &task.Description, &task.Assignee, &dueAt, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		task.DueAt = nullTime(dueAt)
		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}

func (r *ContactRepository) update(ctx context.Context, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return protocol.Transient(fmt.Errorf("failed to update contact %s: %w", id, err))
	}

	return requireAffected(result, fmt.Errorf("contact %s: %w", id, protocol.ErrSubjectNotFound))
}

func scanContact(row scanner) (*models.Subject, error) {
	var (
		subject    models.Subject
		tags       pq.StringArray
		properties []byte
	)

	err := row.Scan(
		&subject.ID,
		&subject.Email,
		&subject.Phone,
		&subject.FirstName,
		&subject.LastName,
		&tags,
		&properties,
		&subject.CreatedAt,
		&subject.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	subject.Tags = []string(tags)

	if err := json.Unmarshal(properties, &subject.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}

	return &subject, nil
}
