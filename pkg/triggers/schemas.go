package triggers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/nurture/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Schemas validates event payloads against JSON schemas registered per event
// type. Event types without a schema are accepted as they are.
type Schemas struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

func NewSchemas() *Schemas {
	return &Schemas{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles and stores the schema for eventType, replacing any
// previous one.
func (s *Schemas) Register(eventType string, schema []byte) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", eventType, err)
	}

	s.mu.Lock()
	s.schemas[eventType] = compiled
	s.mu.Unlock()

	return nil
}

// LoadDir registers every <event type>.json file found in dir.
func (s *Schemas) LoadDir(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}

	for _, path := range files {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the configured schema directory
		if err != nil {
			return 0, fmt.Errorf("failed to read schema %s: %w", path, err)
		}

		eventType := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := s.Register(eventType, data); err != nil {
			return 0, err
		}
	}

	return len(files), nil
}

func (s *Schemas) Validate(event *models.TriggerEvent) error {
	s.mu.RLock()
	schema, ok := s.schemas[event.Type]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrMalformedEvent, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("%w: payload of %s: %s", models.ErrMalformedEvent, event.Type, strings.Join(problems, "; "))
	}

	return nil
}
