package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/core"
)

const yamlRules = `
rules:
  - name: block-spam
    priority: 10
    condition:
      field: action.action_type
      op: eq
      value: spam
    action:
      type: suppress
  - name: throttle-alerts
    priority: 20
    condition:
      all:
        - field: action.action_type
          op: eq
          value: alert
        - field: action.payload.severity
          op: in
          value: [high, critical]
    action:
      type: throttle
      max_count: 10
      window_seconds: 60
  - name: reroute-urgent
    priority: 30
    enabled: false
    condition:
      not:
        field: action.payload.priority
        op: ne
        value: urgent
    action:
      type: reroute
      target_provider: sms
`

func TestYAMLFrontend_Parse(t *testing.T) {
	f := &YAMLFrontend{}
	parsed, err := f.Parse("rules.yaml", []byte(yamlRules))
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	assert.Equal(t, "block-spam", parsed[0].Name)
	assert.Equal(t, int32(10), parsed[0].Priority)
	assert.True(t, parsed[0].Enabled)
	assert.Equal(t, core.RuleActionSuppress, parsed[0].Action.Kind)

	assert.Equal(t, core.RuleActionThrottle, parsed[1].Action.Kind)
	assert.Equal(t, 10, parsed[1].Action.ThrottleMax)
	assert.Equal(t, uint64(60), parsed[1].Action.ThrottleWindow)

	assert.False(t, parsed[2].Enabled)
	assert.Equal(t, "sms", parsed[2].Action.TargetProvider)
}

func TestYAMLFrontend_ParsedRulesEvaluate(t *testing.T) {
	f := &YAMLFrontend{}
	parsed, err := f.Parse("", []byte(yamlRules))
	require.NoError(t, err)

	engine := NewEngine(parsed)
	verdict, _, err := engine.Evaluate(context.Background(), evalCtx(testAction("spam")))
	require.NoError(t, err)
	assert.Equal(t, core.VerdictSuppress, verdict.Kind)
	assert.Equal(t, "block-spam", verdict.Rule)

	a := testAction("alert")
	a.Payload["severity"] = "critical"
	verdict, _, err = engine.Evaluate(context.Background(), evalCtx(a))
	require.NoError(t, err)
	assert.Equal(t, core.VerdictThrottle, verdict.Kind)
}

func TestYAMLFrontend_RoundTripFixedPoint(t *testing.T) {
	f := &YAMLFrontend{}
	first, err := f.Parse("", []byte(yamlRules))
	require.NoError(t, err)

	serialized, err := f.Serialize(first)
	require.NoError(t, err)

	second, err := f.Parse("", serialized)
	require.NoError(t, err)
	require.Len(t, second, len(first))

	reserialized, err := f.Serialize(second)
	require.NoError(t, err)
	assert.Equal(t, string(serialized), string(reserialized))
}

func TestYAMLFrontend_Errors(t *testing.T) {
	f := &YAMLFrontend{}

	_, err := f.Parse("", []byte("rules:\n  - name: x\n    condition: {field: a, op: bogus, value: 1}\n    action: {type: allow}\n"))
	assert.Error(t, err)

	_, err = f.Parse("", []byte("rules:\n  - name: x\n    condition: true\n    action: {type: nonsense}\n"))
	assert.Error(t, err)

	_, err = f.Parse("", []byte("rules:\n  - condition: true\n    action: {type: allow}\n"))
	assert.Error(t, err)
}
