package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/engine"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/file"
	"github.com/dukex/nurture/pkg/queue"
	"github.com/dukex/nurture/pkg/subjects"
	"github.com/dukex/nurture/pkg/templates"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	app     *fiber.App
	queue   *queue.Memory
	manager *triggers.Manager
	engine  *engine.Engine
}

func setupTestApp(t *testing.T) *apiEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := file.NewPersistence(t.TempDir())
	contacts := subjects.NewMemory(&models.Subject{ID: "contact-1", Email: "ada@example.com", FirstName: "Ada"})
	q := queue.NewMemory(1)

	dispatcher := engine.NewDispatcher(logger, deliveryRecorder{}, nil, engine.WithWorkers(0, 1))
	executions := engine.New(logger, store, contacts, templates.NewRenderer(templates.NewMemoryStore()), dispatcher, nil)
	manager := triggers.NewManager(logger, q, store, contacts, executions)

	api := NewAPI(logger, store, nil, manager, executions)

	return &apiEnv{app: api.App(), queue: q, manager: manager, engine: executions}
}

type deliveryRecorder struct{}

func (deliveryRecorder) Deliver(context.Context, models.RenderedMessage, models.Recipient, map[string]string) (models.DeliveryResult, error) {
	return models.DeliveryResult{Success: true}, nil
}

func (env *apiEnv) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func TestAPI_RootEndpoint(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.request(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Nurture API", string(body))
}

func TestAPI_Liveness(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.request(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

// A tracked event flows through the queue, the trigger manager and the
// engine into a completed execution.
func TestAPI_EventToExecution(t *testing.T) {
	env := setupTestApp(t)
	ctx := t.Context()

	resp, body := env.request(t, http.MethodPost, "/triggers", map[string]any{
		"type":       "event",
		"name":       "Contact created",
		"event_type": "contact.created",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var trigger models.Trigger
	require.NoError(t, json.Unmarshal(body, &trigger))

	resp, body = env.request(t, http.MethodPost, "/automations", map[string]any{
		"name":       "Welcome series",
		"trigger_id": trigger.ID,
		"steps": []map[string]any{
			{"id": "hello", "type": "email", "order": 1, "config": map[string]any{"subject": "Welcome", "body": "Hi {{first_name}}"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = env.request(t, http.MethodPost, "/events", map[string]any{
		"type":       "contact.created",
		"subject_id": "contact-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	event, err := env.queue.Dequeue(ctx, 0, time.Second)
	require.NoError(t, err)
	require.NotNil(t, event)

	started, err := env.manager.ProcessEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	processed, err := env.engine.ProcessReadyExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	resp, body = env.request(t, http.MethodGet, "/executions?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var list struct {
		Executions []*models.Execution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Executions, 1)
	assert.Equal(t, "contact-1", list.Executions[0].SubjectID)

	resp, body = env.request(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"backlog":0`)
}
