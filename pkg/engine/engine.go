// Package engine runs automation executions one step at a time. Executions
// wait in a ready queue or, while a delay step is pending, in a delayed set
// ordered by resume instant; every tick promotes due executions and processes
// a batch of ready ones on a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Placement tells where an execution currently sits in the engine.
type Placement string

const (
	PlacementNone     Placement = "none"
	PlacementReady    Placement = "ready"
	PlacementDelayed  Placement = "delayed"
	PlacementInFlight Placement = "in_flight"
	PlacementPaused   Placement = "paused"
)

type Stats struct {
	Ready       int `json:"ready"`
	Delayed     int `json:"delayed"`
	InFlight    int `json:"in_flight"`
	Active      int `json:"active"`
	Paused      int `json:"paused"`
	Dispatching int `json:"dispatching"`
}

type Engine struct {
	logger      *slog.Logger
	clock       clock.WithTicker
	tracer      trace.Tracer
	executions  persistence.ExecutionRepository
	automations persistence.AutomationRepository
	subjects    protocol.SubjectStore
	renderer    protocol.Renderer
	dispatcher  *Dispatcher
	sink        protocol.MetricsSink

	batchSize    int
	concurrency  int
	tickInterval time.Duration

	mu       sync.Mutex
	tracked  map[string]*models.Execution
	ready    *readyQueue
	delayed  *delayedSet
	inflight map[string]int
	locks    *keyedMutex

	defMu       sync.RWMutex
	definitions map[string]*models.Automation

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

type Option func(*Engine)

func WithClock(c clock.WithTicker) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithBatchSize bounds how many ready executions one tick takes.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		e.batchSize = n
	}
}

// WithConcurrency bounds how many steps run in parallel within a tick.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = max(n, 1)
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.tickInterval = d
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func New(
	logger *slog.Logger,
	store persistence.Persistence,
	subjects protocol.SubjectStore,
	renderer protocol.Renderer,
	dispatcher *Dispatcher,
	sink protocol.MetricsSink,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:       logger.With("module", "execution_engine"),
		clock:        clock.RealClock{},
		tracer:       otelhelper.Tracer("nurture/engine"),
		executions:   store.ExecutionRepository(),
		automations:  store.AutomationRepository(),
		subjects:     subjects,
		renderer:     renderer,
		dispatcher:   dispatcher,
		sink:         sink,
		batchSize:    100,
		concurrency:  10,
		tickInterval: time.Second,
		tracked:      make(map[string]*models.Execution),
		ready:        newReadyQueue(),
		delayed:      newDelayedSet(),
		inflight:     make(map[string]int),
		locks:        newKeyedMutex(),
		definitions:  make(map[string]*models.Automation),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// StartExecution creates an execution positioned at the automation's entry
// step and queues it as ready.
func (e *Engine) StartExecution(
	ctx context.Context,
	automation *models.Automation,
	subjectID, triggerID string,
	data map[string]any,
) (*models.Execution, error) {
	if !automation.Active {
		return nil, fmt.Errorf("automation %s: %w", automation.ID, ErrAutomationInactive)
	}

	entry := automation.EntryStep()
	if entry == nil {
		return nil, fmt.Errorf("automation %s: %w", automation.ID, ErrNoSteps)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution id: %w", err)
	}

	now := e.clock.Now().UTC()
	if data == nil {
		data = make(map[string]any)
	}

	execution := &models.Execution{
		ID:            id.String(),
		AutomationID:  automation.ID,
		TriggerID:     triggerID,
		SubjectID:     subjectID,
		CurrentStepID: entry.ID,
		Status:        models.ExecutionStatusActive,
		StartedAt:     now,
		UpdatedAt:     now,
		Context:       data,
	}

	if err := e.executions.Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	e.cacheDefinition(automation)

	e.mu.Lock()
	e.tracked[execution.ID] = execution
	e.ready.push(execution.ID)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID,
		"automation_id", automation.ID,
		"subject_id", subjectID,
		"trigger_id", triggerID)

	e.record(ctx, models.Outcome{
		AutomationID: automation.ID,
		ExecutionID:  execution.ID,
		SubjectID:    subjectID,
		StepID:       entry.ID,
		Kind:         models.OutcomeExecutionStarted,
		Timestamp:    now,
	})

	return execution.Clone(), nil
}

// ProcessReadyExecutions promotes due delayed executions, then advances a
// batch of ready executions by exactly one step each. It returns how many
// steps ran.
func (e *Engine) ProcessReadyExecutions(ctx context.Context) (int, error) {
	e.PromoteDue()

	e.mu.Lock()
	batch := e.ready.take(e.batchSize)

	for _, id := range batch {
		e.inflight[id]++
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	var (
		g         errgroup.Group
		processed atomic.Int64
	)

	g.SetLimit(e.concurrency)

	for _, id := range batch {
		g.Go(func() error {
			if e.processOne(ctx, id) {
				processed.Add(1)
			}

			return nil
		})
	}

	_ = g.Wait()

	return int(processed.Load()), ctx.Err()
}

// PromoteDue moves every delayed execution whose resume instant has passed
// into the ready queue.
func (e *Engine) PromoteDue() int {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	promoted := 0

	for _, id := range e.delayed.popDue(now) {
		execution, ok := e.tracked[id]
		if !ok || execution.Status != models.ExecutionStatusActive {
			continue
		}

		execution.ScheduledResumeAt = nil

		if e.ready.push(id) {
			promoted++
		}
	}

	return promoted
}

func (e *Engine) processOne(ctx context.Context, id string) bool {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	// apply may hand the id to an overlapping tick before this one returns.
	defer func() {
		e.mu.Lock()
		e.inflight[id]--
		if e.inflight[id] <= 0 {
			delete(e.inflight, id)
		}
		e.mu.Unlock()
	}()

	e.mu.Lock()
	current, ok := e.tracked[id]
	if !ok || current.Status != models.ExecutionStatusActive {
		e.mu.Unlock()

		return false
	}

	working := current.Clone()
	e.mu.Unlock()

	logger := e.logger.With(
		"execution_id", working.ID,
		"automation_id", working.AutomationID,
		"subject_id", working.SubjectID,
		"step_id", working.CurrentStepID,
	)

	automation, err := e.definition(ctx, working.AutomationID)
	if err != nil {
		e.handleStepError(ctx, logger, working, nil, err)

		return false
	}

	now := e.clock.Now().UTC()
	working.ScheduledResumeAt = nil

	// A trailing delay leaves nothing to run once it elapses.
	if working.CurrentStepID == "" {
		e.complete(ctx, logger, working, now)

		return true
	}

	step, ok := automation.StepByID(working.CurrentStepID)
	if !ok {
		e.fail(ctx, logger, working, fmt.Errorf("%w: %s", ErrStepNotFound, working.CurrentStepID))

		return false
	}

	spanCtx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.step",
		attribute.String(otelhelper.ExecutionIDKey, working.ID),
		attribute.String(otelhelper.AutomationIDKey, working.AutomationID),
		attribute.String(otelhelper.SubjectIDKey, working.SubjectID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
	)
	defer span.End()

	detail, err := e.runStep(spanCtx, automation, step, working, now)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.StepIDKey, step.ID))
		e.handleStepError(spanCtx, logger, working, step, err)

		return false
	}

	working.UpdatedAt = now
	working.Record(step.ID, step.Type, "completed", detail, now)

	logger.InfoContext(spanCtx, "Step completed", "step_type", step.Type, "detail", detail)

	e.record(spanCtx, models.Outcome{
		AutomationID: working.AutomationID,
		ExecutionID:  working.ID,
		SubjectID:    working.SubjectID,
		StepID:       step.ID,
		Kind:         models.OutcomeStepCompleted,
		Timestamp:    now,
	})

	if working.CurrentStepID == "" && working.ScheduledResumeAt == nil {
		e.complete(spanCtx, logger, working, now)

		return true
	}

	e.save(spanCtx, logger, working)
	e.apply(working)

	return true
}

// save persists a state the step already acted upon. The in-memory state
// still advances on failure so a message is never sent twice by this
// process; the next successful save catches persistence up.
func (e *Engine) save(ctx context.Context, logger *slog.Logger, execution *models.Execution) {
	if err := e.executions.Save(ctx, execution); err != nil {
		logger.ErrorContext(ctx, "Failed to persist execution", "error", err)
	}
}

// apply replaces the tracked execution and places it for its next step.
func (e *Engine) apply(execution *models.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if execution.Status.IsTerminal() {
		e.forget(execution.ID)

		return
	}

	e.tracked[execution.ID] = execution
	e.place(execution)
}

// place must be called with mu held.
func (e *Engine) place(execution *models.Execution) {
	if execution.Status != models.ExecutionStatusActive {
		return
	}

	if execution.ScheduledResumeAt != nil {
		e.ready.remove(execution.ID)
		e.delayed.add(execution.ID, *execution.ScheduledResumeAt)

		return
	}

	e.delayed.remove(execution.ID)
	e.ready.push(execution.ID)
}

// forget must be called with mu held.
func (e *Engine) forget(id string) {
	delete(e.tracked, id)
	e.ready.remove(id)
	e.delayed.remove(id)
}

func (e *Engine) handleStepError(ctx context.Context, logger *slog.Logger, execution *models.Execution, step *models.WorkflowStep, err error) {
	if isTransient(err) {
		logger.WarnContext(ctx, "Step hit a transient error, retrying next tick", "error", err)

		e.mu.Lock()
		if tracked, ok := e.tracked[execution.ID]; ok && tracked.Status == models.ExecutionStatusActive {
			e.ready.push(execution.ID)
		}
		e.mu.Unlock()

		return
	}

	if step != nil {
		execution.Record(step.ID, step.Type, "failed", err.Error(), e.clock.Now().UTC())
	}

	e.fail(ctx, logger, execution, err)
}

func (e *Engine) complete(ctx context.Context, logger *slog.Logger, execution *models.Execution, now time.Time) {
	execution.Status = models.ExecutionStatusCompleted
	execution.CurrentStepID = ""
	execution.ScheduledResumeAt = nil
	execution.CompletedAt = &now
	execution.UpdatedAt = now

	e.save(ctx, logger, execution)
	e.apply(execution)

	logger.InfoContext(ctx, "Execution completed")

	e.record(ctx, models.Outcome{
		AutomationID: execution.AutomationID,
		ExecutionID:  execution.ID,
		SubjectID:    execution.SubjectID,
		Kind:         models.OutcomeExecutionCompleted,
		Timestamp:    now,
	})
}

func (e *Engine) fail(ctx context.Context, logger *slog.Logger, execution *models.Execution, cause error) {
	now := e.clock.Now().UTC()

	execution.Status = models.ExecutionStatusFailed
	execution.Error = cause.Error()
	execution.ScheduledResumeAt = nil
	execution.CompletedAt = &now
	execution.UpdatedAt = now

	e.save(ctx, logger, execution)
	e.apply(execution)

	logger.ErrorContext(ctx, "Execution failed", "error", cause)

	e.record(ctx, models.Outcome{
		AutomationID: execution.AutomationID,
		ExecutionID:  execution.ID,
		SubjectID:    execution.SubjectID,
		StepID:       execution.CurrentStepID,
		Kind:         models.OutcomeExecutionFailed,
		Error:        cause.Error(),
		Timestamp:    now,
		Snapshot:     execution.Clone(),
	})
}

func (e *Engine) record(ctx context.Context, outcome models.Outcome) {
	if e.sink == nil {
		return
	}

	if err := e.sink.Record(ctx, outcome); err != nil {
		e.logger.ErrorContext(ctx, "Failed to record outcome",
			"execution_id", outcome.ExecutionID,
			"kind", outcome.Kind,
			"error", err)
	}
}

// PauseExecution suspends an active execution. A pending resume instant is
// kept and honoured on resume.
func (e *Engine) PauseExecution(ctx context.Context, id string) (*models.Execution, error) {
	return e.transition(ctx, id, models.ExecutionStatusActive, models.ExecutionStatusPaused)
}

// ResumeExecution reactivates a paused execution at the step it was paused on.
func (e *Engine) ResumeExecution(ctx context.Context, id string) (*models.Execution, error) {
	return e.transition(ctx, id, models.ExecutionStatusPaused, models.ExecutionStatusActive)
}

func (e *Engine) transition(ctx context.Context, id string, from, to models.ExecutionStatus) (*models.Execution, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	e.mu.Lock()
	current, ok := e.tracked[id]
	if !ok {
		e.mu.Unlock()

		stored, err := e.executions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, stored.Status)
	}

	if current.Status != from {
		e.mu.Unlock()

		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, current.Status)
	}

	working := current.Clone()
	e.mu.Unlock()

	working.Status = to
	working.UpdatedAt = e.clock.Now().UTC()

	if err := e.executions.Save(ctx, working); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	e.mu.Lock()
	e.tracked[id] = working

	if to == models.ExecutionStatusPaused {
		e.ready.remove(id)
		e.delayed.remove(id)
	} else {
		e.place(working)
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "Execution status changed", "execution_id", id, "from", from, "to", to)

	return working.Clone(), nil
}

// GetExecution returns the live state of a tracked execution, falling back
// to persistence for finished ones.
func (e *Engine) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	e.mu.Lock()
	if execution, ok := e.tracked[id]; ok {
		clone := execution.Clone()
		e.mu.Unlock()

		return clone, nil
	}
	e.mu.Unlock()

	return e.executions.GetByID(ctx, id)
}

// ActiveExecutions lists tracked active and paused executions, oldest first.
func (e *Engine) ActiveExecutions() []*models.Execution {
	e.mu.Lock()
	list := make([]*models.Execution, 0, len(e.tracked))

	for _, execution := range e.tracked {
		list = append(list, execution.Clone())
	}
	e.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.Before(list[j].StartedAt)
	})

	return list
}

func (e *Engine) Placement(id string) Placement {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.ready.contains(id):
		return PlacementReady
	case e.delayed.contains(id):
		return PlacementDelayed
	}

	if _, ok := e.inflight[id]; ok {
		return PlacementInFlight
	}

	if execution, ok := e.tracked[id]; ok && execution.Status == models.ExecutionStatusPaused {
		return PlacementPaused
	}

	return PlacementNone
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		Ready:    e.ready.len(),
		Delayed:  e.delayed.len(),
		InFlight: len(e.inflight),
	}

	for _, execution := range e.tracked {
		if execution.Status == models.ExecutionStatusPaused {
			stats.Paused++
		} else {
			stats.Active++
		}
	}

	if e.dispatcher != nil {
		stats.Dispatching = e.dispatcher.Pending()
	}

	return stats
}

// Recover loads unfinished executions from persistence. Executions already
// tracked are left untouched, so calling it twice is harmless.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stored, err := e.executions.GetByStatus(ctx, models.ExecutionStatusActive, models.ExecutionStatusPaused)
	if err != nil {
		return 0, fmt.Errorf("failed to load unfinished executions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	recovered := 0

	for _, execution := range stored {
		if _, ok := e.tracked[execution.ID]; ok {
			continue
		}

		e.tracked[execution.ID] = execution
		e.place(execution)
		recovered++
	}

	e.logger.InfoContext(ctx, "Executions recovered", "count", recovered)

	return recovered, nil
}

func (e *Engine) definition(ctx context.Context, id string) (*models.Automation, error) {
	e.defMu.RLock()
	automation, ok := e.definitions[id]
	e.defMu.RUnlock()

	if ok {
		return automation, nil
	}

	automation, err := e.automations.GetByID(ctx, id)
	if err != nil {
		if persistence.IsAutomationNotFound(err) {
			return nil, err
		}

		return nil, protocol.Transient(err)
	}

	e.cacheDefinition(automation)

	return automation, nil
}

func (e *Engine) cacheDefinition(automation *models.Automation) {
	e.defMu.Lock()
	e.definitions[automation.ID] = automation
	e.defMu.Unlock()
}

// Invalidate drops a cached automation definition so the next step reloads it.
func (e *Engine) Invalidate(automationID string) {
	e.defMu.Lock()
	delete(e.definitions, automationID)
	e.defMu.Unlock()
}

// RegisterDefinitionEvents keeps the definition cache in sync with
// automation changes published on the bus.
func (e *Engine) RegisterDefinitionEvents(bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.AutomationUpdatedEvent, func(_ context.Context, event any) error {
		if updated, ok := event.(*events.AutomationUpdated); ok && updated.Automation != nil {
			e.Invalidate(updated.Automation.ID)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return bus.Handle(events.AutomationDeletedEvent, func(_ context.Context, event any) error {
		if deleted, ok := event.(*events.AutomationDeleted); ok {
			e.Invalidate(deleted.AutomationID)
		}

		return nil
	})
}

// Start runs the tick loop and the delivery workers until Stop is called or
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stop != nil {
		return errors.New("engine already started")
	}

	if e.dispatcher != nil {
		e.dispatcher.Start(ctx)
	}

	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	go e.loop(ctx, e.stop, e.done)

	e.logger.InfoContext(ctx, "Engine started", "tick_interval", e.tickInterval, "batch_size", e.batchSize)

	return nil
}

func (e *Engine) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := e.clock.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			processed, err := e.ProcessReadyExecutions(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.ErrorContext(ctx, "Failed to process ready executions", "error", err)
			}

			if processed > 0 {
				e.logger.DebugContext(ctx, "Tick processed executions", "count", processed)
			}
		}
	}
}

// Stop ends the tick loop after the in-flight batch finishes, then drains
// the delivery queue.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.runMu.Unlock()

	if stop != nil {
		close(stop)

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Stop(ctx); err != nil {
			return fmt.Errorf("failed to drain delivery dispatcher: %w", err)
		}
	}

	e.logger.InfoContext(ctx, "Engine stopped")

	return nil
}

func isTransient(err error) bool {
	return protocol.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
