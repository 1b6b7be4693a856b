package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/google/uuid"
)

// AutomationRepository keeps definitions under automations/, aggregated
// metrics under metrics/ and the outcome stream as JSON lines under outcomes/.
type AutomationRepository struct {
	mu          sync.RWMutex
	definitions jsonDir
	metrics     jsonDir
	outcomesDir string
}

func NewAutomationRepository(root string) *AutomationRepository {
	return &AutomationRepository{
		definitions: newJSONDir(root, "automations"),
		metrics:     newJSONDir(root, "metrics"),
		outcomesDir: path.Join(root, "outcomes"),
	}
}

func (r *AutomationRepository) GetAll(_ context.Context) ([]*models.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list(func(*models.Automation) bool { return true })
}

func (r *AutomationRepository) GetByTrigger(_ context.Context, triggerID string) ([]*models.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list(func(a *models.Automation) bool { return a.TriggerID == triggerID })
}

func (r *AutomationRepository) list(keep func(*models.Automation) bool) ([]*models.Automation, error) {
	ids, err := r.definitions.ids()
	if err != nil {
		return nil, err
	}

	automations := make([]*models.Automation, 0, len(ids))

	for _, id := range ids {
		automation, err := r.get(id)
		if err != nil {
			if persistence.IsAutomationNotFound(err) {
				continue
			}

			return nil, err
		}

		if keep(automation) {
			automations = append(automations, automation)
		}
	}

	sort.Slice(automations, func(i, j int) bool {
		return automations[i].CreatedAt.Before(automations[j].CreatedAt)
	})

	return automations, nil
}

func (r *AutomationRepository) GetByID(_ context.Context, id string) (*models.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.get(id)
}

func (r *AutomationRepository) get(id string) (*models.Automation, error) {
	var automation models.Automation

	found, err := r.definitions.read(id, &automation)
	if err != nil {
		return nil, persistence.NewAutomationError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewAutomationError("GetByID", id, persistence.ErrAutomationNotFound)
	}

	var metrics models.AutomationMetrics
	if _, err := r.metrics.read(id, &metrics); err != nil {
		return nil, persistence.NewAutomationError("GetByID", id, err)
	}

	automation.Metrics = metrics

	return &automation, nil
}

func (r *AutomationRepository) Save(_ context.Context, automation *models.Automation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

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

	definition := *automation
	definition.Metrics = models.AutomationMetrics{}

	if err := r.definitions.write(automation.ID, &definition); err != nil {
		return persistence.NewAutomationError("Save", automation.ID, err)
	}

	return nil
}

func (r *AutomationRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, err := r.definitions.remove(id)
	if err != nil {
		return persistence.NewAutomationError("Delete", id, err)
	}

	if !found {
		return persistence.NewAutomationError("Delete", id, persistence.ErrAutomationNotFound)
	}

	if _, err := r.metrics.remove(id); err != nil {
		return persistence.NewAutomationError("Delete", id, err)
	}

	return nil
}

// RecordOutcome appends the outcome to the stream and folds it into the metrics.
func (r *AutomationRepository) RecordOutcome(_ context.Context, outcome models.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := outcome.AutomationID

	if err := r.appendOutcome(outcome); err != nil {
		return persistence.NewAutomationError("RecordOutcome", id, err)
	}

	var metrics models.AutomationMetrics
	if _, err := r.metrics.read(id, &metrics); err != nil {
		return persistence.NewAutomationError("RecordOutcome", id, err)
	}

	metrics.Apply(outcome.Kind)

	if err := r.metrics.write(id, &metrics); err != nil {
		return persistence.NewAutomationError("RecordOutcome", id, err)
	}

	return nil
}

func (r *AutomationRepository) appendOutcome(outcome models.Outcome) error {
	if err := os.MkdirAll(r.outcomesDir, 0750); err != nil {
		return fmt.Errorf("failed to create outcomes directory: %w", err)
	}

	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	f, err := os.OpenFile(r.outcomePath(outcome.AutomationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open outcome stream: %w", err)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()

		return fmt.Errorf("failed to append outcome: %w", err)
	}

	return f.Close()
}

// Outcomes returns the most recent outcomes of an automation, newest first.
func (r *AutomationRepository) Outcomes(_ context.Context, automationID string, limit int) ([]models.Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := os.Open(r.outcomePath(automationID))
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Outcome{}, nil
		}

		return nil, persistence.NewAutomationError("Outcomes", automationID, err)
	}
	defer func() { _ = f.Close() }()

	var outcomes []models.Outcome

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var outcome models.Outcome
		if err := json.Unmarshal(scanner.Bytes(), &outcome); err != nil {
			return nil, persistence.NewAutomationError("Outcomes", automationID, err)
		}

		outcomes = append(outcomes, outcome)
	}

	if err := scanner.Err(); err != nil {
		return nil, persistence.NewAutomationError("Outcomes", automationID, err)
	}

	result := make([]models.Outcome, 0, len(outcomes))
	for i := len(outcomes) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}

		result = append(result, outcomes[i])
	}

	return result, nil
}

func (r *AutomationRepository) outcomePath(automationID string) string {
	return path.Join(r.outcomesDir, automationID+".jsonl")
}
