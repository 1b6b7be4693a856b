package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nurture/pkg/channels/gochannel"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	pub, sub := gochannel.CreateChannel(watermill.NopLogger{}, 100)

	bus := NewWatermillEventBus(logger, pub, sub)

	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversTypedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)

	received := make(chan *events.ExecutionOutcome, 1)
	deleted := make(chan *events.TriggerDeleted, 1)

	require.NoError(t, bus.Handle(events.MessageSentEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ExecutionOutcome)

		return nil
	}))
	require.NoError(t, bus.Handle(events.TriggerDeletedEvent, func(_ context.Context, event any) error {
		deleted <- event.(*events.TriggerDeleted)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	outcome := models.Outcome{
		AutomationID: "automation-1",
		ExecutionID:  "exec-1",
		Kind:         models.OutcomeMessageSent,
		MessageID:    "msg-1",
		Timestamp:    time.Now().UTC(),
	}
	require.NoError(t, bus.Publish(ctx, "automation-1", events.NewExecutionOutcome(outcome)))

	trigger := events.TriggerDeleted{BaseEvent: events.NewBaseEvent(events.TriggerDeletedEvent), TriggerID: "trigger-1"}
	require.NoError(t, bus.Publish(ctx, "trigger-1", trigger))

	select {
	case got := <-received:
		assert.Equal(t, "msg-1", got.Outcome.MessageID)
		assert.Equal(t, models.OutcomeMessageSent, got.Outcome.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("outcome event not delivered")
	}

	select {
	case got := <-deleted:
		assert.Equal(t, "trigger-1", got.TriggerID)
	case <-time.After(5 * time.Second):
		t.Fatal("trigger event not delivered")
	}
}

func TestWatermillEventBus_RedeliversOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)

	var calls atomic.Int32

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.AutomationDeletedEvent, func(_ context.Context, _ any) error {
		if calls.Add(1) == 1 {
			return errors.New("temporarily unavailable")
		}

		close(done)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	event := events.AutomationDeleted{BaseEvent: events.NewBaseEvent(events.AutomationDeletedEvent), AutomationID: "a1"}
	require.NoError(t, bus.Publish(ctx, "a1", event))

	select {
	case <-done:
		assert.Equal(t, int32(2), calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("event not redelivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
