package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStep_UnmarshalJSON_DecodesConfigByType(t *testing.T) {
	t.Parallel()

	payload := `[
		{"id":"s1","type":"email","order":1,"next_step_id":"s2","config":{"template_id":"welcome"}},
		{"id":"s2","type":"delay","order":2,"next_step_id":"s3","config":{"amount":2,"unit":"days"}},
		{"id":"s3","type":"condition","order":3,"config":{"branches":[{"condition":{"field":"contact.plan","operator":"equals","value":"pro"},"next_step_id":"s4","label":"pro"}]}},
		{"id":"s4","type":"action","order":4,"config":{"action":"add_tag","tag":"nurtured"}}
	]`

	var steps []*models.WorkflowStep
	require.NoError(t, json.Unmarshal([]byte(payload), &steps))
	require.Len(t, steps, 4)

	email, ok := steps[0].Config.(models.EmailConfig)
	require.True(t, ok)
	assert.Equal(t, "welcome", email.TemplateID)

	delay, ok := steps[1].Config.(models.DelayConfig)
	require.True(t, ok)
	assert.Equal(t, 48*time.Hour, delay.Duration())

	cond, ok := steps[2].Config.(models.ConditionConfig)
	require.True(t, ok)
	require.Len(t, cond.Branches, 1)
	assert.Equal(t, "s4", cond.Branches[0].NextStepID)

	action, ok := steps[3].Config.(models.ActionConfig)
	require.True(t, ok)
	assert.Equal(t, models.ActionAddTag, action.Action)

	for _, step := range steps {
		assert.NoError(t, step.Validate())
	}
}

func TestWorkflowStep_UnmarshalJSON_UnknownType(t *testing.T) {
	t.Parallel()

	var step models.WorkflowStep

	err := json.Unmarshal([]byte(`{"id":"x","type":"sms","config":{}}`), &step)
	require.ErrorIs(t, err, models.ErrUnknownStepType)
}

func TestWorkflowStep_MarshalJSON_KeepsConfig(t *testing.T) {
	t.Parallel()

	step, err := models.NewStep("wait", 1, models.DelayConfig{Amount: 5, Unit: models.DelayUnitMinutes}, "next")
	require.NoError(t, err)

	data, err := json.Marshal(step)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"wait","type":"delay","order":1,"next_step_id":"next","config":{"amount":5,"unit":"minutes"}}`, string(data))
}

func TestNewStep_EnforcesVariantFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config models.StepConfig
	}{
		{"email without content", models.EmailConfig{Subject: "hi"}},
		{"delay without amount", models.DelayConfig{Unit: models.DelayUnitDays}},
		{"delay with unknown unit", models.DelayConfig{Amount: 1, Unit: "fortnights"}},
		{"condition without rules", models.ConditionConfig{}},
		{"tag action without tag", models.ActionConfig{Action: models.ActionAddTag}},
		{"property action without property", models.ActionConfig{Action: models.ActionUpdateProperty}},
		{"task action without task", models.ActionConfig{Action: models.ActionCreateTask}},
		{"nil config", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := models.NewStep("s", 1, tt.config, "")
			require.ErrorIs(t, err, models.ErrInvalidStep)
		})
	}
}
