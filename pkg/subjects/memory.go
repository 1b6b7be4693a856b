// Package subjects provides an in-memory subject store for development and tests.
package subjects

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Memory implements protocol.SubjectStore. Returned subjects are copies.
type Memory struct {
	mu       sync.RWMutex
	subjects map[string]*models.Subject
	tasks    map[string][]*models.Task
	clock    clock.PassiveClock
}

var _ protocol.SubjectStore = (*Memory)(nil)

func NewMemory(subjects ...*models.Subject) *Memory {
	m := &Memory{
		subjects: make(map[string]*models.Subject, len(subjects)),
		tasks:    make(map[string][]*models.Task),
		clock:    clock.RealClock{},
	}

	for _, s := range subjects {
		m.subjects[s.ID] = clone(s)
	}

	return m
}

// WithClock sets the clock used for update and task timestamps.
func (m *Memory) WithClock(c clock.PassiveClock) *Memory {
	m.clock = c

	return m
}

// Load seeds the store from a JSON array of subjects.
func (m *Memory) Load(r io.Reader) error {
	var subjects []*models.Subject
	if err := json.NewDecoder(r).Decode(&subjects); err != nil {
		return fmt.Errorf("failed to decode subjects: %w", err)
	}

	for _, s := range subjects {
		m.Put(s)
	}

	return nil
}

func (m *Memory) Put(subject *models.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}

	subject.UpdatedAt = now
	m.subjects[subject.ID] = clone(subject)
}

func (m *Memory) Get(_ context.Context, id string) (*models.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, protocol.ErrSubjectNotFound)
	}

	return clone(s), nil
}

func (m *Memory) Find(_ context.Context, filter []models.Condition) ([]*models.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make([]*models.Subject, 0)

	for _, s := range m.subjects {
		ok, err := conditions.Evaluate(filter, s, nil)
		if err != nil {
			return nil, err
		}

		if ok {
			found = append(found, clone(s))
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })

	return found, nil
}

func (m *Memory) AddTag(_ context.Context, id, tag string) error {
	return m.update(id, func(s *models.Subject) {
		if !s.HasTag(tag) {
			s.Tags = append(s.Tags, tag)
		}
	})
}

func (m *Memory) RemoveTag(_ context.Context, id, tag string) error {
	return m.update(id, func(s *models.Subject) {
		s.Tags = slices.DeleteFunc(s.Tags, func(t string) bool { return t == tag })
	})
}

func (m *Memory) UpdateProperty(_ context.Context, id, property string, value any) error {
	return m.update(id, func(s *models.Subject) {
		if s.Properties == nil {
			s.Properties = make(map[string]any)
		}

		s.Properties[property] = value
	})
}

func (m *Memory) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subjects[task.SubjectID]; !ok {
		return fmt.Errorf("subject %s: %w", task.SubjectID, protocol.ErrSubjectNotFound)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.clock.Now().UTC()
	}

	copied := *task
	m.tasks[task.SubjectID] = append(m.tasks[task.SubjectID], &copied)

	return nil
}

// Tasks lists the tasks created for a subject.
func (m *Memory) Tasks(subjectID string) []*models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.tasks[subjectID])
}

func (m *Memory) update(id string, mutate func(*models.Subject)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subjects[id]
	if !ok {
		return fmt.Errorf("subject %s: %w", id, protocol.ErrSubjectNotFound)
	}

	mutate(s)
	s.UpdatedAt = m.clock.Now().UTC()

	return nil
}

func clone(s *models.Subject) *models.Subject {
	c := *s
	c.Tags = slices.Clone(s.Tags)
	c.Properties = maps.Clone(s.Properties)

	return &c
}

