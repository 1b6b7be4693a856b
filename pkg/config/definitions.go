// Package config loads trigger and automation definitions from JSON or YAML
// files.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDefinitions = errors.New("invalid definitions")

// Definitions is a bundle of triggers and the automations bound to them.
type Definitions struct {
	Triggers    []*models.Trigger    `json:"triggers"    yaml:"triggers"`
	Automations []*models.Automation `json:"automations" yaml:"automations"`
}

// Load reads a bundle, picking the decoder from the file extension.
func Load(path string) (*Definitions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open definitions file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	format := "json"

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}

	return Decode(f, format)
}

// Decode parses a bundle. YAML documents are converted to JSON first so both
// formats share the model's JSON decoding, including the step config union.
func Decode(r io.Reader, format string) (*Definitions, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}

	if format == "yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML definitions: %w", err)
		}

		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("failed to convert YAML definitions: %w", err)
		}
	}

	var defs Definitions
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}

	return &defs, nil
}

// Problems lists every defect of the bundle: invalid definitions, duplicate
// ids and automations bound to a trigger the bundle does not define.
func (d *Definitions) Problems() []string {
	var problems []string

	triggerIDs := make(map[string]struct{}, len(d.Triggers))

	for i, trigger := range d.Triggers {
		name := fmt.Sprintf("trigger[%d] %q", i, trigger.Name)

		if trigger.ID == "" {
			problems = append(problems, name+": missing id")
		} else if _, dup := triggerIDs[trigger.ID]; dup {
			problems = append(problems, name+": duplicate id "+trigger.ID)
		}

		triggerIDs[trigger.ID] = struct{}{}

		if err := trigger.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}

	automationIDs := make(map[string]struct{}, len(d.Automations))

	for i, automation := range d.Automations {
		name := fmt.Sprintf("automation[%d] %q", i, automation.Name)

		if automation.ID == "" {
			problems = append(problems, name+": missing id")
		} else if _, dup := automationIDs[automation.ID]; dup {
			problems = append(problems, name+": duplicate id "+automation.ID)
		}

		automationIDs[automation.ID] = struct{}{}

		if err := automation.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}

		if _, ok := triggerIDs[automation.TriggerID]; automation.TriggerID != "" && !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown trigger %s", name, automation.TriggerID))
		}
	}

	return problems
}

// Apply upserts the bundle into the store, triggers first. Stored creation
// and firing instants are kept.
func (d *Definitions) Apply(ctx context.Context, store persistence.Persistence) error {
	if problems := d.Problems(); len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinitions, strings.Join(problems, "; "))
	}

	for _, trigger := range d.Triggers {
		existing, err := store.TriggerRepository().GetByID(ctx, trigger.ID)
		if err != nil && !persistence.IsTriggerNotFound(err) {
			return err
		}

		if existing != nil {
			trigger.CreatedAt = existing.CreatedAt
			trigger.LastFiredAt = existing.LastFiredAt
		}

		if err := store.TriggerRepository().Save(ctx, trigger); err != nil {
			return fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
		}
	}

	for _, automation := range d.Automations {
		existing, err := store.AutomationRepository().GetByID(ctx, automation.ID)
		if err != nil && !persistence.IsAutomationNotFound(err) {
			return err
		}

		if existing != nil {
			automation.CreatedAt = existing.CreatedAt
		}

		if err := store.AutomationRepository().Save(ctx, automation); err != nil {
			return fmt.Errorf("failed to save automation %s: %w", automation.ID, err)
		}
	}

	return nil
}
