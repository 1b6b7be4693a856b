package file

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/google/uuid"
)

// TriggerRepository handles trigger-related file operations.
type TriggerRepository struct {
	mu    sync.RWMutex
	files jsonDir
}

func NewTriggerRepository(root string) *TriggerRepository {
	return &TriggerRepository{files: newJSONDir(root, "triggers")}
}

func (r *TriggerRepository) GetAll(_ context.Context) ([]*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, err := r.files.ids()
	if err != nil {
		return nil, err
	}

	triggers := make([]*models.Trigger, 0, len(ids))

	for _, id := range ids {
		var trigger models.Trigger

		found, err := r.files.read(id, &trigger)
		if err != nil {
			return nil, persistence.NewTriggerError("GetAll", id, err)
		}

		if found {
			triggers = append(triggers, &trigger)
		}
	}

	sort.Slice(triggers, func(i, j int) bool {
		return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
	})

	return triggers, nil
}

func (r *TriggerRepository) GetByID(_ context.Context, id string) (*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.get(id)
}

func (r *TriggerRepository) get(id string) (*models.Trigger, error) {
	var trigger models.Trigger

	found, err := r.files.read(id, &trigger)
	if err != nil {
		return nil, persistence.NewTriggerError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewTriggerError("GetByID", id, persistence.ErrTriggerNotFound)
	}

	return &trigger, nil
}

func (r *TriggerRepository) Save(_ context.Context, trigger *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

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

	if err := r.files.write(trigger.ID, trigger); err != nil {
		return persistence.NewTriggerError("Save", trigger.ID, err)
	}

	return nil
}

func (r *TriggerRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, err := r.files.remove(id)
	if err != nil {
		return persistence.NewTriggerError("Delete", id, err)
	}

	if !found {
		return persistence.NewTriggerError("Delete", id, persistence.ErrTriggerNotFound)
	}

	return nil
}

func (r *TriggerRepository) RecordFiring(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	trigger, err := r.get(id)
	if err != nil {
		return err
	}

	fired := at.UTC()
	trigger.LastFiredAt = &fired

	if err := r.files.write(id, trigger); err != nil {
		return persistence.NewTriggerError("RecordFiring", id, err)
	}

	return nil
}
