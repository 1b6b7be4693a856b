// Package triggers ingests trigger events, matches them against the stored
// triggers and starts automation executions for the matches. It also sweeps
// time-based triggers on a fixed cadence.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// Starter starts an execution of an automation for one subject.
type Starter interface {
	StartExecution(ctx context.Context, automation *models.Automation, subjectID, triggerID string, data map[string]any) (*models.Execution, error)
}

type Manager struct {
	logger      *slog.Logger
	clock       clock.WithTicker
	tracer      trace.Tracer
	queue       queue.EventQueue
	triggers    persistence.TriggerRepository
	automations persistence.AutomationRepository
	subjects    protocol.SubjectStore
	starter     Starter
	schemas     *Schemas

	sweepInterval time.Duration
	tolerance     time.Duration
	pollWait      time.Duration

	mu        sync.Mutex
	cache     []*models.Trigger
	lastSweep time.Time

	// fireMu serializes the cooldown and frequency checks with the firing
	// record so two shards never both admit the same trigger.
	fireMu    sync.Mutex
	lastFired map[string]time.Time
	firings   map[string][]time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithSweepInterval sets the cadence of the time-based sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithTolerance bounds how late a fixed schedule may still fire.
func WithTolerance(d time.Duration) Option {
	return func(m *Manager) {
		m.tolerance = d
	}
}

// WithPollWait sets how long a shard consumer blocks waiting for an event.
func WithPollWait(d time.Duration) Option {
	return func(m *Manager) {
		m.pollWait = d
	}
}

func WithSchemas(schemas *Schemas) Option {
	return func(m *Manager) {
		m.schemas = schemas
	}
}

func NewManager(
	logger *slog.Logger,
	eventQueue queue.EventQueue,
	store persistence.Persistence,
	subjects protocol.SubjectStore,
	starter Starter,
	opts ...Option,
) *Manager {
	m := &Manager{
		logger:        logger.With("module", "trigger_manager"),
		clock:         clock.RealClock{},
		tracer:        otelhelper.Tracer("nurture/triggers"),
		queue:         eventQueue,
		triggers:      store.TriggerRepository(),
		automations:   store.AutomationRepository(),
		subjects:      subjects,
		starter:       starter,
		schemas:       NewSchemas(),
		sweepInterval: time.Minute,
		tolerance:     2 * time.Minute,
		pollWait:      time.Second,
		lastFired:     make(map[string]time.Time),
		firings:       make(map[string][]time.Time),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RegisterSchema validates future payloads of eventType against schema.
func (m *Manager) RegisterSchema(eventType string, schema []byte) error {
	return m.schemas.Register(eventType, schema)
}

// TrackEvent validates the event, fills its id and timestamp and enqueues it.
// Matching happens asynchronously on the shard consumers.
func (m *Manager) TrackEvent(ctx context.Context, event *models.TriggerEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", models.ErrMalformedEvent)
	}

	if err := event.Validate(); err != nil {
		return err
	}

	if err := m.schemas.Validate(event); err != nil {
		return err
	}

	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate event id: %w", err)
		}

		event.ID = id.String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock.Now().UTC()
	}

	if err := m.queue.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", event.ID, err)
	}

	m.logger.DebugContext(ctx, "Event tracked",
		"event_id", event.ID,
		"event_type", event.Type,
		"subject_id", event.SubjectID)

	return nil
}

// ProcessEvent matches one event and starts executions for every active
// automation bound to a matching trigger. It returns how many started.
func (m *Manager) ProcessEvent(ctx context.Context, event *models.TriggerEvent) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "triggers.process_event",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.EventTypeKey, event.Type),
		attribute.String(otelhelper.SubjectIDKey, event.SubjectID),
	)
	defer span.End()

	logger := m.logger.With("event_id", event.ID, "event_type", event.Type, "subject_id", event.SubjectID)

	started, err := m.process(ctx, logger, event)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return started, err
}

func (m *Manager) process(ctx context.Context, logger *slog.Logger, event *models.TriggerEvent) (int, error) {
	if event.Targeted() {
		trigger, err := m.trigger(ctx, event.TriggerID)
		if err != nil {
			return 0, err
		}

		if !trigger.Active {
			logger.DebugContext(ctx, "Targeted trigger is inactive", "trigger_id", trigger.ID)

			return 0, nil
		}

		return m.startAutomations(ctx, logger, trigger, event)
	}

	all, err := m.loadTriggers(ctx)
	if err != nil {
		return 0, err
	}

	var candidates []*models.Trigger

	for _, trigger := range all {
		if trigger.Active && trigger.MatchesEventType(event.Type) {
			candidates = append(candidates, trigger)
		}
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	subject, err := m.subjectFor(ctx, event, candidates)
	if err != nil {
		return 0, err
	}

	var (
		started int
		errs    []error
	)

	for _, trigger := range candidates {
		tlog := logger.With("trigger_id", trigger.ID)

		matched, err := matches(trigger, subject, event)
		if err != nil {
			tlog.WarnContext(ctx, "Trigger conditions could not be evaluated", "error", err)

			continue
		}

		if !matched {
			continue
		}

		if !m.admit(trigger, m.clock.Now()) {
			tlog.DebugContext(ctx, "Trigger suppressed by cooldown or frequency limit")

			continue
		}

		m.recordFiring(ctx, tlog, trigger.ID)

		n, err := m.startAutomations(ctx, tlog, trigger, event)
		started += n

		if err != nil {
			errs = append(errs, err)
		}
	}

	return started, errors.Join(errs...)
}

func matches(trigger *models.Trigger, subject *models.Subject, event *models.TriggerEvent) (bool, error) {
	ok, err := conditions.Evaluate(trigger.Conditions, subject, event)
	if err != nil || !ok {
		return false, err
	}

	if trigger.Behavior != nil {
		return conditions.Evaluate(trigger.Behavior.Conditions, subject, event)
	}

	return true, nil
}

// subjectFor loads the subject once when any candidate reads subject fields.
// An unknown subject leaves it nil so subject conditions fail to evaluate.
func (m *Manager) subjectFor(ctx context.Context, event *models.TriggerEvent, candidates []*models.Trigger) (*models.Subject, error) {
	needed := false

	for _, trigger := range candidates {
		if conditions.NeedsSubject(trigger.Conditions) ||
			(trigger.Behavior != nil && conditions.NeedsSubject(trigger.Behavior.Conditions)) {
			needed = true

			break
		}
	}

	if !needed {
		return nil, nil
	}

	subject, err := m.subjects.Get(ctx, event.SubjectID)
	if err != nil {
		if errors.Is(err, protocol.ErrSubjectNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to load subject %s: %w", event.SubjectID, err)
	}

	return subject, nil
}

// admit applies the cooldown and the frequency limit, both scoped to the
// trigger as a whole, and records the firing when it is allowed.
func (m *Manager) admit(trigger *models.Trigger, now time.Time) bool {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	last, ok := m.lastFired[trigger.ID]
	if trigger.LastFiredAt != nil && (!ok || trigger.LastFiredAt.After(last)) {
		last, ok = *trigger.LastFiredAt, true
	}

	if cooldown := trigger.Cooldown(); cooldown > 0 && ok && now.Sub(last) < cooldown {
		return false
	}

	if limit := trigger.FrequencyLimit(); limit != nil {
		windowStart := now.Add(-limit.Period())

		recent := m.firings[trigger.ID][:0]
		for _, at := range m.firings[trigger.ID] {
			if at.After(windowStart) {
				recent = append(recent, at)
			}
		}

		m.firings[trigger.ID] = recent

		if len(recent) >= limit.Count {
			return false
		}

		m.firings[trigger.ID] = append(recent, now)
	}

	m.lastFired[trigger.ID] = now

	return true
}

func (m *Manager) lastFiring(trigger *models.Trigger) *time.Time {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	last, ok := m.lastFired[trigger.ID]
	if !ok {
		return trigger.LastFiredAt
	}

	if trigger.LastFiredAt != nil && trigger.LastFiredAt.After(last) {
		return trigger.LastFiredAt
	}

	return &last
}

func (m *Manager) recordFiring(ctx context.Context, logger *slog.Logger, triggerID string) {
	if err := m.triggers.RecordFiring(ctx, triggerID, m.clock.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "Failed to record trigger firing", "error", err)
	}
}

func (m *Manager) startAutomations(ctx context.Context, logger *slog.Logger, trigger *models.Trigger, event *models.TriggerEvent) (int, error) {
	automations, err := m.automations.GetByTrigger(ctx, trigger.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load automations of trigger %s: %w", trigger.ID, err)
	}

	var (
		started int
		errs    []error
	)

	for _, automation := range automations {
		if !automation.Active || len(automation.Steps) == 0 {
			continue
		}

		execution, err := m.starter.StartExecution(ctx, automation, event.SubjectID, trigger.ID, models.EventContext(event))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to start execution", "automation_id", automation.ID, "error", err)
			errs = append(errs, err)

			continue
		}

		started++

		logger.InfoContext(ctx, "Trigger fired",
			"automation_id", automation.ID,
			"execution_id", execution.ID)
	}

	return started, errors.Join(errs...)
}

// Sweep evaluates every active time-based trigger against the window since
// the previous sweep. A due trigger synthesizes one targeted event per subject
// passing its contact conditions. It returns how many triggers fired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	prev := m.lastSweep
	if prev.IsZero() {
		prev = now.Add(-m.sweepInterval)
	}

	m.lastSweep = now
	m.mu.Unlock()

	all, err := m.loadTriggers(ctx)
	if err != nil {
		return 0, err
	}

	var (
		fired int
		errs  []error
	)

	for _, trigger := range all {
		if !trigger.Active || trigger.Type != models.TriggerTypeTimeBased || trigger.Schedule == nil {
			continue
		}

		logger := m.logger.With("trigger_id", trigger.ID)

		at, due, err := trigger.Schedule.Due(prev, now, trigger.CreatedAt, m.lastFiring(trigger), m.tolerance)
		if err != nil {
			logger.WarnContext(ctx, "Schedule could not be evaluated", "error", err)

			continue
		}

		if !due {
			continue
		}

		subjects, err := m.subjects.Find(ctx, conditions.SubjectFilter(trigger.Conditions))
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: failed to resolve subjects: %w", trigger.ID, err))

			continue
		}

		m.fireMu.Lock()
		m.lastFired[trigger.ID] = now
		m.fireMu.Unlock()

		m.recordFiring(ctx, logger, trigger.ID)

		for _, subject := range subjects {
			event := &models.TriggerEvent{
				Type:      models.EventTypeScheduled,
				SubjectID: subject.ID,
				Source:    models.SourceScheduler,
				TriggerID: trigger.ID,
				Payload:   map[string]any{"scheduled_for": at.Format(time.RFC3339)},
			}

			if err := m.TrackEvent(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}

		fired++

		logger.InfoContext(ctx, "Scheduled trigger fired", "scheduled_for", at, "subjects", len(subjects))
	}

	return fired, errors.Join(errs...)
}

func (m *Manager) loadTriggers(ctx context.Context) ([]*models.Trigger, error) {
	m.mu.Lock()
	cached := m.cache
	m.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	all, err := m.triggers.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load triggers: %w", err)
	}

	if all == nil {
		all = []*models.Trigger{}
	}

	m.mu.Lock()
	m.cache = all
	m.mu.Unlock()

	return all, nil
}

func (m *Manager) trigger(ctx context.Context, id string) (*models.Trigger, error) {
	all, err := m.loadTriggers(ctx)
	if err != nil {
		return nil, err
	}

	for _, trigger := range all {
		if trigger.ID == id {
			return trigger, nil
		}
	}

	return m.triggers.GetByID(ctx, id)
}

// Invalidate drops the trigger cache. Definition changes apply to events
// processed afterwards.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cache = nil
	m.mu.Unlock()
}

// RegisterDefinitionEvents invalidates the cache whenever a trigger changes.
func (m *Manager) RegisterDefinitionEvents(bus eventbus.EventSubscriber) error {
	invalidate := func(context.Context, any) error {
		m.Invalidate()

		return nil
	}

	for _, eventType := range []events.EventType{
		events.TriggerCreatedEvent,
		events.TriggerUpdatedEvent,
		events.TriggerDeletedEvent,
	} {
		if err := bus.Handle(eventType, invalidate); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", eventType, err)
		}
	}

	return nil
}

// Backlog is the number of events waiting in the queue.
func (m *Manager) Backlog(ctx context.Context) (int, error) {
	return m.queue.Len(ctx)
}

// Start launches one consumer per queue shard and the sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return errors.New("trigger manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for shard := range m.queue.Shards() {
		m.wg.Add(1)

		go m.consume(runCtx, shard)
	}

	m.wg.Add(1)

	go m.sweepLoop(runCtx)

	m.logger.InfoContext(ctx, "Trigger manager started",
		"shards", m.queue.Shards(),
		"sweep_interval", m.sweepInterval)

	return nil
}

func (m *Manager) consume(ctx context.Context, shard int) {
	defer m.wg.Done()

	logger := m.logger.With("shard", shard)

	for ctx.Err() == nil {
		event, err := m.queue.Dequeue(ctx, shard, m.pollWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}

			logger.ErrorContext(ctx, "Failed to dequeue event", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.pollWait):
			}

			continue
		}

		if event == nil {
			continue
		}

		// The event in hand is finished even when a stop is requested.
		if _, err := m.ProcessEvent(context.WithoutCancel(ctx), event); err != nil {
			logger.ErrorContext(ctx, "Dropping event after processing error",
				"event_id", event.ID,
				"event_type", event.Type,
				"error", err)
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "Sweep finished with errors", "error", err)
			}
		}
	}
}

// Stop cancels the consumers and waits for the events in hand.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.InfoContext(ctx, "Trigger manager stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
