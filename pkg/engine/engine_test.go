package engine_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/engine"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/file"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/subjects"
	"github.com/dukex/nurture/pkg/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	msg       models.RenderedMessage
	recipient models.Recipient
	tracking  map[string]string
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (d *recordingDeliverer) Deliver(_ context.Context, msg models.RenderedMessage, recipient models.Recipient, tracking map[string]string) (models.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return models.DeliveryResult{}, d.err
	}

	d.sent = append(d.sent, sentMessage{msg: msg, recipient: recipient, tracking: tracking})

	return models.DeliveryResult{Success: true, MessageID: "msg-1"}, nil
}

func (d *recordingDeliverer) messages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]sentMessage(nil), d.sent...)
}

type outcomeSink struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (s *outcomeSink) Record(_ context.Context, outcome models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes = append(s.outcomes, outcome)

	return nil
}

func (s *outcomeSink) kinds() []models.OutcomeKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]models.OutcomeKind, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		kinds = append(kinds, o.Kind)
	}

	return kinds
}

// flakySubjects fails Get with a transient error a fixed number of times.
type flakySubjects struct {
	*subjects.Memory

	mu       sync.Mutex
	failures int
}

func (f *flakySubjects) Get(ctx context.Context, id string) (*models.Subject, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()

		return nil, protocol.Transientf("contacts database unavailable")
	}
	f.mu.Unlock()

	return f.Memory.Get(ctx, id)
}

type harness struct {
	engine    *engine.Engine
	clock     *clocktesting.FakeClock
	store     *file.Persistence
	subjects  *subjects.Memory
	deliverer *recordingDeliverer
	sink      *outcomeSink
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, root string, subjectStore protocol.SubjectStore) *harness {
	t.Helper()

	h := &harness{
		clock:     clocktesting.NewFakeClock(epoch),
		store:     file.NewPersistence(root),
		deliverer: &recordingDeliverer{},
		sink:      &outcomeSink{},
	}

	if subjectStore == nil {
		h.subjects = subjects.NewMemory(&models.Subject{
			ID:         "contact-1",
			Email:      "ada@example.com",
			FirstName:  "Ada",
			LastName:   "Lovelace",
			Properties: map[string]any{"plan": "pro", "score": 80},
		})
		subjectStore = h.subjects
	}

	renderer := templates.NewRenderer(templates.NewMemoryStore(&templates.Template{
		ID:      "welcome",
		Subject: "Welcome {{ first_name }}",
		Body:    "Hi {{ contact.first_name }}, thanks for signing up for {{ event.plan }}.",
	}))

	dispatcher := engine.NewDispatcher(testLogger(), h.deliverer, h.sink,
		engine.WithWorkers(0, 1),
		engine.WithDispatcherClock(h.clock))

	h.engine = engine.New(testLogger(), h.store, subjectStore, renderer, dispatcher, h.sink,
		engine.WithClock(h.clock),
		engine.WithTickInterval(time.Second))

	return h
}

func step(t *testing.T, id string, order int, config models.StepConfig, next string) *models.WorkflowStep {
	t.Helper()

	s, err := models.NewStep(id, order, config, next)
	require.NoError(t, err)

	return s
}

func (h *harness) automation(t *testing.T, steps ...*models.WorkflowStep) *models.Automation {
	t.Helper()

	automation := &models.Automation{
		Name:      "Welcome series",
		TriggerID: "trigger-1",
		Active:    true,
		Steps:     steps,
	}
	require.NoError(t, automation.Validate())
	require.NoError(t, h.store.AutomationRepository().Save(context.Background(), automation))

	return automation
}

func (h *harness) start(t *testing.T, automation *models.Automation) *models.Execution {
	t.Helper()

	execution, err := h.engine.StartExecution(context.Background(), automation, "contact-1", "trigger-1", models.EventContext(&models.TriggerEvent{
		ID:        "event-1",
		Type:      "contact.created",
		SubjectID: "contact-1",
		Payload:   map[string]any{"plan": "pro"},
	}))
	require.NoError(t, err)

	return execution
}

func (h *harness) tick(t *testing.T) int {
	t.Helper()

	processed, err := h.engine.ProcessReadyExecutions(context.Background())
	require.NoError(t, err)

	return processed
}

func (h *harness) execution(t *testing.T, id string) *models.Execution {
	t.Helper()

	execution, err := h.engine.GetExecution(context.Background(), id)
	require.NoError(t, err)

	return execution
}

func TestEngine_WelcomeSeries(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)

	automation := h.automation(t,
		step(t, "welcome", 1, models.EmailConfig{TemplateID: "welcome"}, "wait"),
		step(t, "wait", 2, models.DelayConfig{Amount: 2, Unit: models.DelayUnitDays}, "follow-up"),
		step(t, "follow-up", 3, models.EmailConfig{Subject: "How is it going, {{ first_name }}?", Body: "Reply any time."}, ""),
	)

	execution := h.start(t, automation)
	assert.Equal(t, "welcome", execution.CurrentStepID)
	assert.Equal(t, engine.PlacementReady, h.engine.Placement(execution.ID))

	assert.Equal(t, 1, h.tick(t))

	sent := h.deliverer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Welcome Ada", sent[0].msg.Subject)
	assert.Equal(t, "Hi Ada, thanks for signing up for pro.", sent[0].msg.Body)
	assert.Equal(t, "ada@example.com", sent[0].recipient.Email)
	assert.Equal(t, "Ada Lovelace", sent[0].recipient.Name)
	assert.Equal(t, execution.ID, sent[0].tracking["execution_id"])
	assert.Equal(t, "wait", h.execution(t, execution.ID).CurrentStepID)

	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, engine.PlacementDelayed, h.engine.Placement(execution.ID))

	waiting := h.execution(t, execution.ID)
	require.NotNil(t, waiting.ScheduledResumeAt)
	assert.Equal(t, epoch.Add(48*time.Hour), *waiting.ScheduledResumeAt)

	assert.Equal(t, 0, h.tick(t))

	h.clock.Step(48*time.Hour - time.Second)
	assert.Equal(t, 0, h.tick(t))
	assert.Len(t, h.deliverer.messages(), 1)

	h.clock.Step(time.Second)
	assert.Equal(t, 1, h.tick(t))

	sent = h.deliverer.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "How is it going, Ada?", sent[1].msg.Subject)

	finished := h.execution(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, finished.Status)
	assert.Empty(t, finished.CurrentStepID)
	require.NotNil(t, finished.CompletedAt)
	assert.Len(t, finished.History, 3)
	assert.Equal(t, engine.PlacementNone, h.engine.Placement(execution.ID))

	assert.Equal(t, []models.OutcomeKind{
		models.OutcomeExecutionStarted,
		models.OutcomeMessageSent,
		models.OutcomeStepCompleted,
		models.OutcomeStepCompleted,
		models.OutcomeMessageSent,
		models.OutcomeStepCompleted,
		models.OutcomeExecutionCompleted,
	}, h.sink.kinds())

	assert.Equal(t, 0, h.tick(t))
	assert.Len(t, h.deliverer.messages(), 2)
}

func TestEngine_DelayBecomesReadyAtResumeInstant(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)

	automation := h.automation(t,
		step(t, "wait", 1, models.DelayConfig{Amount: 5, Unit: models.DelayUnitMinutes}, "hello"),
		step(t, "hello", 2, models.EmailConfig{Subject: "Hello", Body: "Hi"}, ""),
	)

	execution := h.start(t, automation)
	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, engine.PlacementDelayed, h.engine.Placement(execution.ID))

	h.clock.Step(5*time.Minute - time.Second)
	assert.Equal(t, 0, h.engine.PromoteDue())
	assert.Equal(t, engine.PlacementDelayed, h.engine.Placement(execution.ID))

	h.clock.Step(time.Second)
	assert.Equal(t, 1, h.engine.PromoteDue())
	assert.Equal(t, 0, h.engine.PromoteDue())
	assert.Equal(t, engine.PlacementReady, h.engine.Placement(execution.ID))

	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, 0, stats.Delayed)
	assert.Equal(t, 1, stats.Active)
}

func TestEngine_ConditionBranches(t *testing.T) {
	tests := []struct {
		name       string
		properties map[string]any
		config     models.ConditionConfig
		expected   string
		status     models.ExecutionStatus
	}{
		{
			name:       "first matching branch wins",
			properties: map[string]any{"plan": "pro", "score": 90},
			config: models.ConditionConfig{
				Branches: []models.ConditionalBranch{
					{Condition: models.Condition{Field: "score", Operator: models.OperatorGreaterThan, Value: 50}, NextStepID: "hot"},
					{Condition: models.Condition{Field: "contact.plan", Operator: models.OperatorEquals, Value: "pro"}, NextStepID: "pro"},
				},
			},
			expected: "hot",
			status:   models.ExecutionStatusActive,
		},
		{
			name:       "no branch falls back to next step",
			properties: map[string]any{"plan": "free", "score": 10},
			config: models.ConditionConfig{
				Branches: []models.ConditionalBranch{
					{Condition: models.Condition{Field: "contact.plan", Operator: models.OperatorEquals, Value: "pro"}, NextStepID: "pro"},
				},
			},
			expected: "default",
			status:   models.ExecutionStatusActive,
		},
		{
			name:       "failed rules take the else step",
			properties: map[string]any{"plan": "free"},
			config: models.ConditionConfig{
				Rules:      []models.Condition{{Field: "plan", Operator: models.OperatorEquals, Value: "pro"}},
				ElseStepID: "pro",
			},
			expected: "pro",
			status:   models.ExecutionStatusActive,
		},
		{
			name:       "event payload is addressable",
			properties: map[string]any{},
			config: models.ConditionConfig{
				Rules: []models.Condition{{Field: "event.plan", Operator: models.OperatorEquals, Value: "pro"}},
			},
			expected: "default",
			status:   models.ExecutionStatusActive,
		},
		{
			name:       "failed rules without else complete",
			properties: map[string]any{"plan": "free"},
			config: models.ConditionConfig{
				Rules: []models.Condition{{Field: "plan", Operator: models.OperatorEquals, Value: "pro"}},
			},
			expected: "",
			status:   models.ExecutionStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, t.TempDir(), nil)
			h.subjects.Put(&models.Subject{ID: "contact-1", Email: "ada@example.com", Properties: tt.properties})

			automation := h.automation(t,
				step(t, "check", 1, tt.config, "default"),
				step(t, "hot", 2, models.ActionConfig{Action: models.ActionAddTag, Tag: "hot"}, ""),
				step(t, "pro", 3, models.ActionConfig{Action: models.ActionAddTag, Tag: "pro"}, ""),
				step(t, "default", 4, models.ActionConfig{Action: models.ActionAddTag, Tag: "default"}, ""),
			)

			execution := h.start(t, automation)
			assert.Equal(t, 1, h.tick(t))

			after := h.execution(t, execution.ID)
			assert.Equal(t, tt.status, after.Status)
			assert.Equal(t, tt.expected, after.CurrentStepID)
		})
	}
}

func TestEngine_ActionSteps(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)

	automation := h.automation(t,
		step(t, "tag", 1, models.ActionConfig{Action: models.ActionAddTag, Tag: "onboarding"}, "plan"),
		step(t, "plan", 2, models.ActionConfig{Action: models.ActionUpdateProperty, Property: "signup_plan", Value: "{{ event.plan }}"}, "task"),
		step(t, "task", 3, models.ActionConfig{Action: models.ActionCreateTask, Task: &models.TaskSpec{Title: "Call {{ first_name }}", DueInDays: 3}}, "untag"),
		step(t, "untag", 4, models.ActionConfig{Action: models.ActionRemoveTag, Tag: "lead"}, ""),
	)

	h.subjects.Put(&models.Subject{ID: "contact-1", Email: "ada@example.com", Tags: []string{"lead"}})

	execution := h.start(t, automation)
	for range 4 {
		assert.Equal(t, 1, h.tick(t))
	}

	subject, err := h.subjects.Get(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"onboarding"}, subject.Tags)
	assert.Equal(t, "pro", subject.Properties["signup_plan"])

	tasks := h.subjects.Tasks("contact-1")
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].DueAt)
	assert.Equal(t, epoch.AddDate(0, 0, 3), *tasks[0].DueAt)

	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(t, execution.ID).Status)
}

func TestEngine_TransientErrorRequeues(t *testing.T) {
	flaky := &flakySubjects{
		Memory:   subjects.NewMemory(&models.Subject{ID: "contact-1", Email: "ada@example.com", FirstName: "Ada"}),
		failures: 2,
	}
	h := newHarness(t, t.TempDir(), flaky)

	automation := h.automation(t,
		step(t, "hello", 1, models.EmailConfig{Subject: "Hello {{ first_name }}", Body: "Hi"}, ""),
	)

	execution := h.start(t, automation)

	for range 2 {
		assert.Equal(t, 0, h.tick(t))

		current := h.execution(t, execution.ID)
		assert.Equal(t, models.ExecutionStatusActive, current.Status)
		assert.Equal(t, "hello", current.CurrentStepID)
		assert.Equal(t, engine.PlacementReady, h.engine.Placement(execution.ID))
		assert.Empty(t, h.deliverer.messages())
	}

	assert.Equal(t, 1, h.tick(t))
	assert.Len(t, h.deliverer.messages(), 1)
	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(t, execution.ID).Status)
}

func TestEngine_DefinitionErrorFails(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)

	automation := h.automation(t,
		step(t, "hello", 1, models.EmailConfig{TemplateID: "missing"}, ""),
	)

	execution := h.start(t, automation)
	assert.Equal(t, 0, h.tick(t))

	failed := h.execution(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, protocol.ErrTemplateNotFound.Error())
	assert.Equal(t, engine.PlacementNone, h.engine.Placement(execution.ID))
	assert.Empty(t, h.deliverer.messages())

	h.sink.mu.Lock()
	last := h.sink.outcomes[len(h.sink.outcomes)-1]
	h.sink.mu.Unlock()

	assert.Equal(t, models.OutcomeExecutionFailed, last.Kind)
	require.NotNil(t, last.Snapshot)
	assert.Equal(t, "hello", last.Snapshot.CurrentStepID)
}

func TestEngine_UnknownSubjectFails(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)

	automation := h.automation(t,
		step(t, "hello", 1, models.EmailConfig{Subject: "Hello", Body: "Hi"}, ""),
	)

	execution, err := h.engine.StartExecution(context.Background(), automation, "ghost", "trigger-1", nil)
	require.NoError(t, err)

	h.tick(t)

	assert.Equal(t, models.ExecutionStatusFailed, h.execution(t, execution.ID).Status)
}

func TestEngine_StartExecutionRefusals(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()

	inactive := &models.Automation{
		ID:     "inactive",
		Name:   "Paused series",
		Active: false,
		Steps:  []*models.WorkflowStep{step(t, "hello", 1, models.EmailConfig{Subject: "Hi", Body: "Hi"}, "")},
	}
	_, err := h.engine.StartExecution(ctx, inactive, "contact-1", "trigger-1", nil)
	assert.ErrorIs(t, err, engine.ErrAutomationInactive)

	empty := &models.Automation{ID: "empty", Name: "Empty series", Active: true}
	_, err = h.engine.StartExecution(ctx, empty, "contact-1", "trigger-1", nil)
	assert.ErrorIs(t, err, engine.ErrNoSteps)

	assert.Equal(t, engine.Stats{}, h.engine.Stats())
}

func TestEngine_PauseResume(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()

	automation := h.automation(t,
		step(t, "wait", 1, models.DelayConfig{Amount: 1, Unit: models.DelayUnitHours}, "hello"),
		step(t, "hello", 2, models.EmailConfig{Subject: "Hello", Body: "Hi"}, ""),
	)

	execution := h.start(t, automation)
	assert.Equal(t, 1, h.tick(t))

	paused, err := h.engine.PauseExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)
	assert.Equal(t, engine.PlacementPaused, h.engine.Placement(execution.ID))

	_, err = h.engine.PauseExecution(ctx, execution.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	h.clock.Step(2 * time.Hour)
	assert.Equal(t, 0, h.tick(t))
	assert.Empty(t, h.deliverer.messages())

	stored, err := h.store.ExecutionRepository().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, stored.Status)

	resumed, err := h.engine.ResumeExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusActive, resumed.Status)
	assert.Equal(t, engine.PlacementDelayed, h.engine.Placement(execution.ID))

	assert.Equal(t, 1, h.tick(t))
	assert.Len(t, h.deliverer.messages(), 1)

	_, err = h.engine.ResumeExecution(ctx, execution.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestEngine_RecoverAfterRestart(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first := newHarness(t, root, nil)

	automation := first.automation(t,
		step(t, "welcome", 1, models.EmailConfig{Subject: "Welcome", Body: "Hi"}, "wait"),
		step(t, "wait", 2, models.DelayConfig{Amount: 2, Unit: models.DelayUnitDays}, "follow-up"),
		step(t, "follow-up", 3, models.EmailConfig{Subject: "Follow up", Body: "Hi again"}, ""),
	)

	execution := first.start(t, automation)
	first.tick(t)
	first.tick(t)
	require.Len(t, first.deliverer.messages(), 1)

	second := newHarness(t, root, nil)

	recovered, err := second.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, engine.PlacementDelayed, second.engine.Placement(execution.ID))

	recovered, err = second.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	second.clock.Step(48 * time.Hour)
	assert.Equal(t, 1, second.tick(t))

	sent := second.deliverer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Follow up", sent[0].msg.Subject)
	assert.Equal(t, models.ExecutionStatusCompleted, second.execution(t, execution.ID).Status)
}

func TestEngine_StartStop(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()

	automation := h.automation(t,
		step(t, "hello", 1, models.EmailConfig{Subject: "Hello", Body: "Hi"}, ""),
	)

	require.NoError(t, h.engine.Start(ctx))
	assert.Error(t, h.engine.Start(ctx))

	execution := h.start(t, automation)

	assert.Eventually(t, func() bool {
		h.clock.Step(time.Second)

		return len(h.deliverer.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Stop(ctx))
	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(t, execution.ID).Status)
	assert.Empty(t, h.engine.ActiveExecutions())
}

// gatedSubjects blocks the Get call numbered gateAt until release is closed.
type gatedSubjects struct {
	*subjects.Memory

	mu      sync.Mutex
	calls   int
	gateAt  int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSubjects) Get(ctx context.Context, id string) (*models.Subject, error) {
	g.mu.Lock()
	g.calls++
	gated := g.calls == g.gateAt
	g.mu.Unlock()

	if gated {
		close(g.entered)
		<-g.release
	}

	return g.Memory.Get(ctx, id)
}

func TestEngine_OverlappingTicksKeepInFlightMark(t *testing.T) {
	gated := &gatedSubjects{
		Memory:  subjects.NewMemory(&models.Subject{ID: "contact-1", Email: "ada@example.com", FirstName: "Ada"}),
		gateAt:  2,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, t.TempDir(), gated)

	automation := h.automation(t,
		step(t, "first", 1, models.EmailConfig{Subject: "First", Body: "Hi"}, "second"),
		step(t, "second", 2, models.EmailConfig{Subject: "Second", Body: "Hi again"}, ""),
	)

	execution := h.start(t, automation)

	stop := make(chan struct{})
	exited := make(chan struct{}, 2)

	for range 2 {
		go func() {
			defer func() { exited <- struct{}{} }()

			for {
				select {
				case <-stop:
					return
				default:
				}

				_, _ = h.engine.ProcessReadyExecutions(context.Background())
			}
		}()
	}

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("second step never started")
	}

	close(stop)
	<-exited

	assert.Equal(t, engine.PlacementInFlight, h.engine.Placement(execution.ID))
	assert.Equal(t, 1, h.engine.Stats().InFlight)

	close(gated.release)
	<-exited

	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(t, execution.ID).Status)
	assert.Equal(t, engine.PlacementNone, h.engine.Placement(execution.ID))
	assert.Equal(t, 0, h.engine.Stats().InFlight)
	assert.Len(t, h.deliverer.messages(), 2)
}
