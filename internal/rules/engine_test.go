package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/eval"
	"github.com/penserai/acteon/internal/ir"
)

func testAction(actionType string) core.Action {
	return core.Action{
		ID:         "a-1",
		Namespace:  "prod",
		Tenant:     "acme",
		Provider:   "email",
		ActionType: actionType,
		Payload:    map[string]any{"priority": "urgent"},
		CreatedAt:  time.Now().UTC(),
	}
}

func evalCtx(a core.Action) *eval.Context {
	return &eval.Context{Action: a, Now: time.Now().UTC()}
}

func condEq(field, value string) *ir.Expr {
	return ir.BinaryExpr(ir.OpEq, fieldPathExpr(field), ir.StringExpr(value))
}

func TestEngine_FirstMatchWins(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "later", Priority: 20, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionDeny}},
		{Name: "first", Priority: 10, Enabled: true, Condition: condEq("action.action_type", "spam"), Action: core.RuleAction{Kind: core.RuleActionSuppress}},
	})

	verdict, traces, err := engine.Evaluate(context.Background(), evalCtx(testAction("spam")))
	require.NoError(t, err)
	assert.Equal(t, core.VerdictSuppress, verdict.Kind)
	assert.Equal(t, "first", verdict.Rule)
	require.Len(t, traces, 1)
	assert.True(t, traces[0].Matched)
}

func TestEngine_DefaultAllow(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "spam", Priority: 10, Enabled: true, Condition: condEq("action.action_type", "spam"), Action: core.RuleAction{Kind: core.RuleActionSuppress}},
	})

	verdict, traces, err := engine.Evaluate(context.Background(), evalCtx(testAction("welcome")))
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAllow, verdict.Kind)
	assert.Equal(t, "default", verdict.Rule)
	require.Len(t, traces, 1)
	assert.False(t, traces[0].Matched)
}

func TestEngine_PriorityTieBreaksOnName(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "zeta", Priority: 5, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionDeny}},
		{Name: "alpha", Priority: 5, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionSuppress}},
		{Name: "negative", Priority: -1, Enabled: true, Condition: ir.BoolExpr(false), Action: core.RuleAction{Kind: core.RuleActionDeny}},
	})

	rules := engine.Rules()
	assert.Equal(t, []string{"negative", "alpha", "zeta"}, []string{rules[0].Name, rules[1].Name, rules[2].Name})

	verdict, _, err := engine.Evaluate(context.Background(), evalCtx(testAction("x")))
	require.NoError(t, err)
	assert.Equal(t, "alpha", verdict.Rule)
}

func TestEngine_DisabledRuleSkipped(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "off", Priority: 1, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionDeny}},
	})
	require.True(t, engine.Disable("off"))

	verdict, traces, err := engine.Evaluate(context.Background(), evalCtx(testAction("x")))
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAllow, verdict.Kind)
	require.Len(t, traces, 1)
	assert.True(t, traces[0].Skipped)

	require.True(t, engine.Enable("off"))
	verdict, _, err = engine.Evaluate(context.Background(), evalCtx(testAction("x")))
	require.NoError(t, err)
	assert.Equal(t, core.VerdictDeny, verdict.Kind)

	assert.False(t, engine.Enable("missing"))
}

func TestEngine_UndefinedVariableCountsAsNoMatch(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "dyn", Priority: 1, Enabled: true,
			Condition: ir.BinaryExpr(ir.OpGt, ir.StateCounterExpr("counter:missing"), ir.IntExpr(3)),
			Action:    core.RuleAction{Kind: core.RuleActionDeny}},
		{Name: "fallback", Priority: 2, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionSuppress}},
	})

	ectx := evalCtx(testAction("x"))
	ectx.State = emptyStateReader{}
	verdict, traces, err := engine.Evaluate(context.Background(), ectx)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictSuppress, verdict.Kind)
	require.Len(t, traces, 2)
	assert.True(t, traces[0].Errored)
	assert.True(t, traces[1].Matched)
}

type emptyStateReader struct{}

func (emptyStateReader) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func TestEngine_EvaluationErrorSurfaces(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "div", Priority: 1, Enabled: true,
			Condition: ir.BinaryExpr(ir.OpDiv, fieldPathExpr("action.payload.priority"), ir.IntExpr(0)),
			Action:    core.RuleAction{Kind: core.RuleActionDeny}},
	})

	_, traces, err := engine.Evaluate(context.Background(), evalCtx(testAction("x")))
	require.Error(t, err)
	require.Len(t, traces, 1)
	assert.True(t, traces[0].Errored)
}

func TestEngine_ReloadSwapsRuleSet(t *testing.T) {
	engine := NewEngine([]core.Rule{
		{Name: "old", Priority: 1, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionDeny}},
	})
	engine.Reload([]core.Rule{
		{Name: "new", Priority: 1, Enabled: true, Condition: ir.BoolExpr(true), Action: core.RuleAction{Kind: core.RuleActionSuppress}},
	})

	verdict, _, err := engine.Evaluate(context.Background(), evalCtx(testAction("x")))
	require.NoError(t, err)
	assert.Equal(t, "new", verdict.Rule)
	assert.Equal(t, core.VerdictSuppress, verdict.Kind)
}
