// Package metrics connects the outcome stream to the event bus and folds
// published outcomes into per-automation counters.
package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
)

// BusSink publishes every outcome on the event bus keyed by automation id.
type BusSink struct {
	bus eventbus.EventPublisher
}

var _ protocol.MetricsSink = (*BusSink)(nil)

func NewBusSink(bus eventbus.EventPublisher) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Record(ctx context.Context, outcome models.Outcome) error {
	err := s.bus.Publish(ctx, outcome.AutomationID, events.NewExecutionOutcome(outcome))
	if err != nil {
		return fmt.Errorf("failed to publish %s outcome: %w", outcome.Kind, err)
	}

	return nil
}

// Recorder persists outcomes received from the bus.
type Recorder struct {
	repository persistence.AutomationRepository
	logger     *slog.Logger
}

func NewRecorder(logger *slog.Logger, repository persistence.AutomationRepository) *Recorder {
	return &Recorder{
		repository: repository,
		logger:     logger.With("module", "metrics_recorder"),
	}
}

// Register subscribes the recorder to every outcome event type.
func (r *Recorder) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range events.OutcomeEventTypes() {
		if err := bus.Handle(eventType, r.handle); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", eventType, err)
		}
	}

	return nil
}

func (r *Recorder) handle(ctx context.Context, event any) error {
	outcome, ok := event.(*events.ExecutionOutcome)
	if !ok {
		r.logger.WarnContext(ctx, "Ignoring unexpected event", "event", fmt.Sprintf("%T", event))

		return nil
	}

	return r.Record(ctx, outcome.Outcome)
}

// Record stores one outcome. It also satisfies protocol.MetricsSink for
// deployments that record synchronously without a bus.
func (r *Recorder) Record(ctx context.Context, outcome models.Outcome) error {
	err := r.repository.RecordOutcome(ctx, outcome)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record outcome",
			"automation_id", outcome.AutomationID,
			"execution_id", outcome.ExecutionID,
			"kind", outcome.Kind,
			"error", err)

		return err
	}

	r.logger.DebugContext(ctx, "Outcome recorded",
		"automation_id", outcome.AutomationID,
		"execution_id", outcome.ExecutionID,
		"kind", outcome.Kind)

	return nil
}
