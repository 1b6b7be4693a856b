// Package protocol defines the contracts between the automation engine and
// its external collaborators: the subject store, the template renderer, the
// delivery transport and the metrics sink.
package protocol

import (
	"context"

	"github.com/dukex/nurture/pkg/models"
)

// SubjectStore reads subject records and performs the narrow writes that
// action steps need.
type SubjectStore interface {
	Get(ctx context.Context, id string) (*models.Subject, error)
	// Find returns every subject satisfying the conditions, which only address
	// subject fields.
	Find(ctx context.Context, filter []models.Condition) ([]*models.Subject, error)
	AddTag(ctx context.Context, id, tag string) error
	RemoveTag(ctx context.Context, id, tag string) error
	UpdateProperty(ctx context.Context, id, property string, value any) error
	CreateTask(ctx context.Context, task *models.Task) error
}

// RenderRequest selects either a stored template or inline content.
type RenderRequest struct {
	TemplateID string
	Subject    string
	Body       string
}

// Renderer personalizes message content. Substitution must be idempotent and
// leave unresolved placeholders untouched.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest, vars map[string]any) (models.RenderedMessage, error)
}

// Deliverer hands a rendered message to a transport. Implementations may send
// synchronously or schedule for later.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.RenderedMessage, recipient models.Recipient, tracking map[string]string) (models.DeliveryResult, error)
}

// MetricsSink receives the append-only stream of execution outcomes.
type MetricsSink interface {
	Record(ctx context.Context, outcome models.Outcome) error
}

// MetricsSinkFunc adapts a function to MetricsSink.
type MetricsSinkFunc func(ctx context.Context, outcome models.Outcome) error

func (f MetricsSinkFunc) Record(ctx context.Context, outcome models.Outcome) error {
	return f(ctx, outcome)
}
