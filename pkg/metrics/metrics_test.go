package metrics

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nurture/pkg/channels/gochannel"
	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSinkToRecorder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub := gochannel.CreateChannel(watermill.NopLogger{}, 100)
	bus := eventbus.NewWatermillEventBus(logger, pub, sub)

	defer func() { _ = bus.Close() }()

	repo := file.NewPersistence(t.TempDir()).AutomationRepository()

	automation := &models.Automation{Name: "Welcome", TriggerID: "trigger-1"}
	require.NoError(t, repo.Save(ctx, automation))

	recorder := NewRecorder(logger, repo)
	require.NoError(t, recorder.Register(bus))
	require.NoError(t, bus.Subscribe(ctx))

	sink := NewBusSink(bus)

	for _, kind := range []models.OutcomeKind{
		models.OutcomeExecutionStarted,
		models.OutcomeMessageSent,
		models.OutcomeExecutionCompleted,
	} {
		require.NoError(t, sink.Record(ctx, models.Outcome{
			AutomationID: automation.ID,
			ExecutionID:  "exec-1",
			Kind:         kind,
			Timestamp:    time.Now().UTC(),
		}))
	}

	assert.Eventually(t, func() bool {
		loaded, err := repo.GetByID(ctx, automation.ID)
		if err != nil {
			return false
		}

		return loaded.Metrics.Completed == 1 && loaded.Metrics.MessagesSent == 1 && loaded.Metrics.Started == 1
	}, 5*time.Second, 20*time.Millisecond)

	loaded, err := repo.GetByID(ctx, automation.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, loaded.Metrics.CompletionRate, 0.0001)
}

func TestRecorder_RecordDirect(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	repo := file.NewPersistence(t.TempDir()).AutomationRepository()
	recorder := NewRecorder(logger, repo)

	require.NoError(t, recorder.Record(ctx, models.Outcome{
		AutomationID: "a1",
		ExecutionID:  "exec-1",
		Kind:         models.OutcomeExecutionFailed,
		Error:        "step missing",
		Timestamp:    time.Now().UTC(),
	}))

	outcomes, err := repo.Outcomes(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "step missing", outcomes[0].Error)
}
