package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
)

type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewMemoryStore(templates ...*Template) *MemoryStore {
	s := &MemoryStore{templates: make(map[string]*Template, len(templates))}
	for _, t := range templates {
		s.templates[t.ID] = t
	}

	return s
}

func (s *MemoryStore) Put(t *Template) error {
	if err := models.Validator().Struct(t); err != nil {
		return fmt.Errorf("invalid template %s: %w", t.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[t.ID] = t

	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, protocol.ErrTemplateNotFound)
	}

	return t, nil
}

// DirStore reads templates from <dir>/<id>.json on every lookup so edits
// take effect without a restart.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) Get(_ context.Context, id string) (*Template, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, fmt.Errorf("template %q: %w", id, protocol.ErrTemplateNotFound)
	}

	body, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template %s: %w", id, protocol.ErrTemplateNotFound)
		}

		return nil, protocol.Transient(fmt.Errorf("failed to read template %s: %w", id, err))
	}

	var t Template
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", id, err)
	}

	if t.ID == "" {
		t.ID = id
	}

	return &t, nil
}
