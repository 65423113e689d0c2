package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/domain"
	"hades/internal/engine"
)

func TestParseDraftFlat(t *testing.T) {
	vals, err := engine.ParseDraft([]byte(`
name: Hack the planet
target-type: machine
target_address: 192.168.177.128
goals: [scan]
allowed:
  - phishing-via-email
prohibited: denial-of-service-attacks
`))
	require.NoError(t, err)
	assert.Equal(t, "Hack the planet", vals[engine.FieldName])
	assert.Equal(t, "machine", vals[engine.FieldTargetType])
	assert.Equal(t, []string{"scan"}, vals[engine.FieldGoals])
	assert.Equal(t, "denial-of-service-attacks", vals[engine.FieldProhibited])
}

func TestParseDraftRejectsUnknownField(t *testing.T) {
	_, err := engine.ParseDraft([]byte("colour: red\n"))
	assert.ErrorIs(t, err, engine.ErrUnknownField)
}

func TestParseDraftInjectShape(t *testing.T) {
	vals, err := engine.ParseDraft([]byte(`
name: from listing
rules_of_engagement:
  techniques:
    allowed: [phishing-via-email]
    prohibited: [denial-of-service-attacks]
systems:
  - network_id: 10.1.0.0
    subnet_mask: 255.255.0.0
    targets:
      - type: persona
        address: "@ceo"
        goals: [shutdown]
`))
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0", vals[engine.FieldNetworkID])
	assert.Equal(t, "persona", vals[engine.FieldTargetType])
	assert.Equal(t, []string{"shutdown"}, vals[engine.FieldGoals])
}

func TestRunSubmitsThroughEveryStep(t *testing.T) {
	f := &fakeSubmitter{id: "run-1"}
	e := engine.New(engine.Subnetted, f, engine.WithLogger(quietLogger()))

	path := filepath.Join(t.TempDir(), "draft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Sweep\ngoals: [scan, shutdown]\n"), 0o644))
	vals, err := engine.LoadDraftFile(path)
	require.NoError(t, err)

	id, err := engine.Run(context.Background(), e, vals)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	require.Equal(t, 1, f.count())

	sent := f.calls[0]
	assert.Equal(t, "Sweep", sent.Name)
	require.Len(t, sent.Systems, 1)
	assert.Equal(t, "192.168.152.0", sent.Systems[0].NetworkID)
	assert.Equal(t, domain.Target{Type: "machine", Address: "192.168.152.128", Goals: []string{"scan", "shutdown"}}, sent.Systems[0].Targets[0])
}

func TestRunStopsAtFirstInvalidStep(t *testing.T) {
	f := &fakeSubmitter{id: "never"}
	e := engine.New(engine.Basic, f, engine.WithLogger(quietLogger()))

	_, err := engine.Run(context.Background(), e, engine.Values{
		engine.FieldName: "n",
	})
	require.Error(t, err)
	assert.Equal(t, "target", e.Step().Key)
	assert.Zero(t, f.count())
}

func TestRunRejectsFieldsOutsideVariant(t *testing.T) {
	e := engine.New(engine.Basic, &fakeSubmitter{}, engine.WithLogger(quietLogger()))
	_, err := engine.Run(context.Background(), e, engine.Values{
		engine.FieldNetworkID: "10.0.0.0",
	})
	assert.Error(t, err)
	assert.Equal(t, 0, e.StepIndex())
}
