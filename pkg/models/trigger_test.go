package models_test

import (
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrigger_Validate(t *testing.T) {
	t.Parallel()

	at := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		trigger models.Trigger
		wantErr bool
	}{
		{"event trigger", models.Trigger{Name: "created", Type: models.TriggerTypeEvent, EventType: "contact_created"}, false},
		{"event trigger without type", models.Trigger{Name: "created", Type: models.TriggerTypeEvent}, true},
		{"time based without schedule", models.Trigger{Name: "nightly", Type: models.TriggerTypeTimeBased}, true},
		{"time based fixed", models.Trigger{Name: "launch", Type: models.TriggerTypeTimeBased, Schedule: &models.Schedule{Kind: models.ScheduleKindFixed, At: &at}}, false},
		{"behavioral without rules", models.Trigger{Name: "clicks", Type: models.TriggerTypeBehavioral}, true},
		{"behavioral", models.Trigger{Name: "clicks", Type: models.TriggerTypeBehavioral, Behavior: &models.BehaviorRules{Category: "engagement", EventType: "email_clicked"}}, false},
		{"unknown type", models.Trigger{Name: "weird", Type: "psychic"}, true},
		{"bad condition operator", models.Trigger{Name: "created", Type: models.TriggerTypeEvent, EventType: "x", Conditions: []models.Condition{{Field: "a", Operator: "like"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.trigger.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, models.ErrInvalidTrigger)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTrigger_MatchesEventTypeAndCooldown(t *testing.T) {
	t.Parallel()

	behavioral := models.Trigger{
		Type:            models.TriggerTypeBehavioral,
		CooldownMinutes: 10,
		Behavior:        &models.BehaviorRules{EventType: "page_viewed", CooldownMinutes: 30},
	}
	assert.True(t, behavioral.MatchesEventType("page_viewed"))
	assert.False(t, behavioral.MatchesEventType("contact_created"))
	assert.Equal(t, 30*time.Minute, behavioral.Cooldown())

	scheduled := models.Trigger{Type: models.TriggerTypeTimeBased, EventType: "anything"}
	assert.False(t, scheduled.MatchesEventType("anything"))

	event := models.Trigger{Type: models.TriggerTypeEvent, EventType: "deal_won", CooldownMinutes: 5}
	assert.True(t, event.MatchesEventType("deal_won"))
	assert.Equal(t, 5*time.Minute, event.Cooldown())
}
