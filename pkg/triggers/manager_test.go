package triggers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/file"
	"github.com/dukex/nurture/pkg/queue"
	"github.com/dukex/nurture/pkg/subjects"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type startCall struct {
	automationID string
	subjectID    string
	triggerID    string
	data         map[string]any
}

type recordingStarter struct {
	mu    sync.Mutex
	calls []startCall
}

func (s *recordingStarter) StartExecution(_ context.Context, automation *models.Automation, subjectID, triggerID string, data map[string]any) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, startCall{automationID: automation.ID, subjectID: subjectID, triggerID: triggerID, data: data})

	return &models.Execution{ID: fmt.Sprintf("exec-%d", len(s.calls))}, nil
}

func (s *recordingStarter) started() []startCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]startCall(nil), s.calls...)
}

type harness struct {
	manager  *triggers.Manager
	clock    *clocktesting.FakeClock
	store    *file.Persistence
	queue    *queue.Memory
	subjects *subjects.Memory
	starter  *recordingStarter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock: clocktesting.NewFakeClock(epoch),
		store: file.NewPersistence(t.TempDir()),
		queue: queue.NewMemory(2),
		subjects: subjects.NewMemory(
			&models.Subject{ID: "contact-1", Email: "ada@example.com", Properties: map[string]any{"plan": "pro"}},
			&models.Subject{ID: "contact-2", Email: "grace@example.com", Properties: map[string]any{"plan": "pro"}},
			&models.Subject{ID: "contact-3", Email: "alan@example.com", Properties: map[string]any{"plan": "free"}},
		),
		starter: &recordingStarter{},
	}

	h.manager = triggers.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), h.queue, h.store, h.subjects, h.starter,
		triggers.WithClock(h.clock),
		triggers.WithSweepInterval(time.Minute),
		triggers.WithTolerance(2*time.Minute),
		triggers.WithPollWait(10*time.Millisecond))

	return h
}

// bind saves the trigger and one active automation bound to it.
func (h *harness) bind(t *testing.T, trigger *models.Trigger) *models.Automation {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, trigger.Validate())
	require.NoError(t, h.store.TriggerRepository().Save(ctx, trigger))

	step, err := models.NewStep("hello", 1, models.EmailConfig{Subject: "Hi", Body: "Hello"}, "")
	require.NoError(t, err)

	automation := &models.Automation{
		Name:      "Automation for " + trigger.Name,
		TriggerID: trigger.ID,
		Active:    true,
		Steps:     []*models.WorkflowStep{step},
	}
	require.NoError(t, h.store.AutomationRepository().Save(ctx, automation))

	h.manager.Invalidate()

	return automation
}

func event(eventType, subjectID string, payload map[string]any) *models.TriggerEvent {
	return &models.TriggerEvent{ID: "evt-" + subjectID, Type: eventType, SubjectID: subjectID, Payload: payload, Timestamp: epoch}
}

func TestManager_ProcessEvent_Matching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	signup := h.bind(t, &models.Trigger{Type: models.TriggerTypeEvent, Name: "Signed up", EventType: "contact.created", Active: true})
	h.bind(t, &models.Trigger{Type: models.TriggerTypeEvent, Name: "Disabled", EventType: "contact.created", Active: false})
	h.bind(t, &models.Trigger{Type: models.TriggerTypeEvent, Name: "Other event", EventType: "deal.won", Active: true})
	at := epoch
	h.bind(t, &models.Trigger{
		Type:     models.TriggerTypeTimeBased,
		Name:     "Scheduled",
		Active:   true,
		Schedule: &models.Schedule{Kind: models.ScheduleKindFixed, At: &at},
	})

	started, err := h.manager.ProcessEvent(ctx, event("contact.created", "contact-1", map[string]any{"plan": "pro"}))
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	calls := h.starter.started()
	require.Len(t, calls, 1)
	assert.Equal(t, signup.ID, calls[0].automationID)
	assert.Equal(t, "contact-1", calls[0].subjectID)
	assert.Equal(t, signup.TriggerID, calls[0].triggerID)
	assert.Equal(t, "contact.created", calls[0].data[models.ContextEventType])
	assert.Equal(t, map[string]any{"plan": "pro"}, calls[0].data[models.ContextPayload])

	stored, err := h.store.TriggerRepository().GetByID(ctx, signup.TriggerID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastFiredAt)
	assert.Equal(t, epoch, stored.LastFiredAt.UTC())
}

func TestManager_ProcessEvent_Conditions(t *testing.T) {
	tests := []struct {
		name       string
		conditions []models.Condition
		subjectID  string
		payload    map[string]any
		expected   int
	}{
		{name: "no conditions always match", subjectID: "contact-3", expected: 1},
		{
			name:       "subject condition holds",
			conditions: []models.Condition{{Field: "contact.plan", Operator: models.OperatorEquals, Value: "pro"}},
			subjectID:  "contact-1",
			expected:   1,
		},
		{
			name:       "subject condition fails",
			conditions: []models.Condition{{Field: "contact.plan", Operator: models.OperatorEquals, Value: "pro"}},
			subjectID:  "contact-3",
			expected:   0,
		},
		{
			name:       "event condition",
			conditions: []models.Condition{{Field: "event.amount", Operator: models.OperatorGreaterThan, Value: 100}},
			subjectID:  "contact-3",
			payload:    map[string]any{"amount": 250},
			expected:   1,
		},
		{
			name:       "unknown subject does not match subject conditions",
			conditions: []models.Condition{{Field: "contact.plan", Operator: models.OperatorEquals, Value: "pro"}},
			subjectID:  "ghost",
			expected:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			h.bind(t, &models.Trigger{
				Type:       models.TriggerTypeEvent,
				Name:       "Deal won",
				EventType:  "deal.won",
				Active:     true,
				Conditions: tt.conditions,
			})

			started, err := h.manager.ProcessEvent(context.Background(), event("deal.won", tt.subjectID, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, started)
		})
	}
}

func TestManager_Cooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bind(t, &models.Trigger{Type: models.TriggerTypeEvent, Name: "Visited", EventType: "page.viewed", Active: true, CooldownMinutes: 10})

	started, err := h.manager.ProcessEvent(ctx, event("page.viewed", "contact-1", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	h.clock.Step(10*time.Minute - time.Second)

	// Cooldown is scoped to the trigger, so another subject is suppressed too.
	started, err = h.manager.ProcessEvent(ctx, event("page.viewed", "contact-2", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	h.clock.Step(time.Second)

	started, err = h.manager.ProcessEvent(ctx, event("page.viewed", "contact-1", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestManager_BehavioralTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bind(t, &models.Trigger{
		Type:   models.TriggerTypeBehavioral,
		Name:   "Pricing interest",
		Active: true,
		Behavior: &models.BehaviorRules{
			Category:       "engagement",
			EventType:      "page.viewed",
			Conditions:     []models.Condition{{Field: "event.page", Operator: models.OperatorEquals, Value: "/pricing"}},
			FrequencyLimit: &models.FrequencyLimit{Count: 2, PeriodMinutes: 60},
		},
	})

	pricing := map[string]any{"page": "/pricing"}

	started, err := h.manager.ProcessEvent(ctx, event("page.viewed", "contact-1", map[string]any{"page": "/blog"}))
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	total := 0

	for range 3 {
		n, err := h.manager.ProcessEvent(ctx, event("page.viewed", "contact-1", pricing))
		require.NoError(t, err)

		total += n

		h.clock.Step(time.Minute)
	}

	assert.Equal(t, 2, total)

	h.clock.Step(time.Hour)

	started, err = h.manager.ProcessEvent(ctx, event("page.viewed", "contact-2", pricing))
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestManager_TrackEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.manager.RegisterSchema("deal.won", []byte(`{
		"type": "object",
		"required": ["amount"],
		"properties": {"amount": {"type": "number"}}
	}`)))

	err := h.manager.TrackEvent(ctx, &models.TriggerEvent{Type: "deal.won"})
	require.ErrorIs(t, err, models.ErrMalformedEvent)

	err = h.manager.TrackEvent(ctx, &models.TriggerEvent{Type: "deal.won", SubjectID: "contact-1", Payload: map[string]any{"amount": "lots"}})
	require.ErrorIs(t, err, models.ErrMalformedEvent)

	assert.Error(t, h.manager.RegisterSchema("broken", []byte(`{"type": 12}`)))

	valid := &models.TriggerEvent{Type: "deal.won", SubjectID: "contact-1", Payload: map[string]any{"amount": 120}}
	require.NoError(t, h.manager.TrackEvent(ctx, valid))
	assert.NotEmpty(t, valid.ID)
	assert.Equal(t, epoch, valid.Timestamp)

	require.NoError(t, h.manager.TrackEvent(ctx, &models.TriggerEvent{Type: "contact.created", SubjectID: "contact-2"}))

	backlog, err := h.manager.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, backlog)
}

func TestManager_Sweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	at := epoch.Add(30 * time.Second)
	trigger := &models.Trigger{
		Type:       models.TriggerTypeTimeBased,
		Name:       "Pro webinar",
		Active:     true,
		Conditions: []models.Condition{{Field: "contact.plan", Operator: models.OperatorEquals, Value: "pro"}},
		Schedule:   &models.Schedule{Kind: models.ScheduleKindFixed, At: &at},
		// Scheduled events bypass the cooldown.
		CooldownMinutes: 60,
	}
	automation := h.bind(t, trigger)

	fired, err := h.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	h.clock.Step(time.Minute)

	fired, err = h.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	backlog, err := h.manager.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, backlog)

	for shard := range h.queue.Shards() {
		for {
			queued, err := h.queue.Dequeue(ctx, shard, 0)
			require.NoError(t, err)

			if queued == nil {
				break
			}

			assert.Equal(t, models.EventTypeScheduled, queued.Type)
			assert.True(t, queued.Targeted())

			_, err = h.manager.ProcessEvent(ctx, queued)
			require.NoError(t, err)
		}
	}

	calls := h.starter.started()
	require.Len(t, calls, 2)

	subjectIDs := []string{calls[0].subjectID, calls[1].subjectID}
	assert.ElementsMatch(t, []string{"contact-1", "contact-2"}, subjectIDs)
	assert.Equal(t, automation.ID, calls[0].automationID)

	h.clock.Step(time.Minute)

	fired, err = h.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestManager_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bind(t, &models.Trigger{Type: models.TriggerTypeEvent, Name: "Signed up", EventType: "contact.created", Active: true})

	require.NoError(t, h.manager.Start(ctx))
	assert.Error(t, h.manager.Start(ctx))

	require.NoError(t, h.manager.TrackEvent(ctx, &models.TriggerEvent{Type: "contact.created", SubjectID: "contact-1"}))

	assert.Eventually(t, func() bool {
		return len(h.starter.started()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Stop(ctx))
	require.NoError(t, h.manager.Stop(ctx))
}
