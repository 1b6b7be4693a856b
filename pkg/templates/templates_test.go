package templates

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/nurture/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute(t *testing.T) {
	t.Parallel()

	vars := map[string]any{
		"first_name": "Ada",
		"contact": map[string]any{
			"email": "ada@example.com",
			"plan":  map[string]any{"name": "pro"},
		},
		"score": 42,
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{"top level", "Hi {{first_name}}", "Hi Ada"},
		{"spaces inside braces", "Hi {{ first_name }}!", "Hi Ada!"},
		{"nested path", "Plan: {{ contact.plan.name }}", "Plan: pro"},
		{"number", "Score {{score}}", "Score 42"},
		{"unresolved stays", "Hello {{ last_name }}", "Hello {{ last_name }}"},
		{"partially unresolved path", "{{ contact.phone }}", "{{ contact.phone }}"},
		{"no placeholders", "plain text", "plain text"},
		{"mixed", "{{first_name}} <{{contact.email}}> {{unknown}}", "Ada <ada@example.com> {{unknown}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Substitute(tt.text, vars))
		})
	}
}

func TestSubstitute_Idempotent(t *testing.T) {
	t.Parallel()

	vars := map[string]any{"first_name": "Ada"}

	once := Substitute("Hi {{ first_name }}, {{ missing }}", vars)
	assert.Equal(t, once, Substitute(once, vars))
}

func TestSubstitute_ValueContainingPlaceholder(t *testing.T) {
	t.Parallel()

	vars := map[string]any{
		"first_name": "{{ last_name }}",
		"last_name":  "Lovelace",
	}

	once := Substitute("Hi {{ first_name }}", vars)
	assert.Equal(t, "Hi { { last_name }}", once)
	assert.Equal(t, once, Substitute(once, vars))
}

func TestRenderer_StoredTemplate(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(&Template{
		ID:      "welcome",
		Subject: "Welcome {{ first_name }}",
		Body:    "<p>Hi {{ first_name }}</p>",
		From:    "team@example.com",
	})
	renderer := NewRenderer(store)

	msg, err := renderer.Render(context.Background(), protocol.RenderRequest{TemplateID: "welcome"}, map[string]any{"first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", msg.Subject)
	assert.Equal(t, "<p>Hi Ada</p>", msg.Body)
	assert.Equal(t, "team@example.com", msg.From)

	msg, err = renderer.Render(context.Background(), protocol.RenderRequest{TemplateID: "welcome", Subject: "Override"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Override", msg.Subject)

	_, err = renderer.Render(context.Background(), protocol.RenderRequest{TemplateID: "missing"}, nil)
	assert.ErrorIs(t, err, protocol.ErrTemplateNotFound)
}

func TestRenderer_Inline(t *testing.T) {
	t.Parallel()

	renderer := NewRenderer(nil)

	msg, err := renderer.Render(context.Background(), protocol.RenderRequest{Subject: "Hi {{name}}", Body: "Body"}, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Bob", msg.Subject)

	_, err = renderer.Render(context.Background(), protocol.RenderRequest{}, nil)
	require.Error(t, err)

	_, err = renderer.Render(context.Background(), protocol.RenderRequest{TemplateID: "x"}, nil)
	assert.ErrorIs(t, err, protocol.ErrTemplateNotFound)
}

func TestDirStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "followup.json"), []byte(`{"subject":"Still there?","body":"Hi {{first_name}}"}`), 0600))

	store := NewDirStore(dir)

	tmpl, err := store.Get(context.Background(), "followup")
	require.NoError(t, err)
	assert.Equal(t, "followup", tmpl.ID)
	assert.Equal(t, "Still there?", tmpl.Subject)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, protocol.ErrTemplateNotFound)

	_, err = store.Get(context.Background(), "../followup")
	assert.ErrorIs(t, err, protocol.ErrTemplateNotFound)
}

func TestMemoryStore_PutValidates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	require.Error(t, store.Put(&Template{ID: "empty"}))
	require.NoError(t, store.Put(&Template{ID: "ok", Subject: "s", Body: "b"}))

	_, err := store.Get(context.Background(), "ok")
	assert.NoError(t, err)
}
