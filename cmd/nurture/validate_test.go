package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/nurture/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "triggers": [{"id": "t-signup", "type": "event", "name": "Contact created", "event_type": "contact.created", "active": true}],
  "automations": [{
    "id": "a-welcome", "name": "Welcome series", "trigger_id": "t-signup", "active": true,
    "steps": [{"id": "hello", "type": "email", "order": 1, "config": {"subject": "Welcome", "body": "Hi"}}]
  }]
}`), 0o600))

	defs, err := config.Load(path)
	require.NoError(t, err)

	var out bytes.Buffer

	require.NoError(t, report(defs, &out))
	assert.Contains(t, out.String(), "1 trigger(s) and 1 automation(s) are valid")
}

func TestReport_Problems(t *testing.T) {

	path := filepath.Join(t.TempDir(), "defs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
automations:
  - id: a-orphan
    name: Orphan
    trigger_id: t-missing
    active: true
    steps:
      - id: hello
        type: email
        order: 1
        config: {subject: Hi, body: Hi}
`), 0o600))

	defs, err := config.Load(path)
	require.NoError(t, err)

	var out bytes.Buffer

	err = report(defs, &out)
	require.ErrorIs(t, err, config.ErrInvalidDefinitions)
	assert.Contains(t, out.String(), "unknown trigger t-missing")
}
