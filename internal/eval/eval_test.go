package eval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ir"
)

func testContext() *Context {
	return &Context{
		Action: core.Action{
			ID: "a-1", Namespace: "prod", Tenant: "acme", Provider: "email",
			ActionType: "alert",
			Payload:    map[string]any{"count": 7, "ratio": 0.5, "name": "disk-full", "tags": []any{"infra"}},
			CreatedAt:  time.Now().UTC(),
		},
		Environment: map[string]string{"region": "eu-west-1"},
		Now:         time.Date(2026, 3, 4, 13, 45, 30, 0, time.UTC),
	}
}

func mustEval(t *testing.T, e *ir.Expr, ctx *Context) ir.Value {
	t.Helper()
	v, err := Eval(context.Background(), e, ctx)
	require.NoError(t, err)
	return v
}

func field(path ...string) *ir.Expr {
	e := ir.IdentExpr(path[0])
	for _, p := range path[1:] {
		e = ir.FieldExpr(e, p)
	}
	return e
}

func TestEval_ArithmeticPromotion(t *testing.T) {
	ctx := testContext()

	// int + int stays int.
	v := mustEval(t, ir.BinaryExpr(ir.OpAdd, ir.IntExpr(2), ir.IntExpr(3)), ctx)
	n, ok := v.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(5), n)

	// int + float promotes to float.
	v = mustEval(t, ir.BinaryExpr(ir.OpAdd, ir.IntExpr(2), ir.FloatExpr(0.5)), ctx)
	require.Equal(t, ir.KindFloat, v.Kind())
	f, _ := v.AsFloat()
	assert.InDelta(t, 2.5, f, 1e-9)
}

func TestEval_DivisionByZero(t *testing.T) {
	ctx := testContext()
	_, err := Eval(context.Background(), ir.BinaryExpr(ir.OpDiv, ir.IntExpr(1), ir.IntExpr(0)), ctx)
	require.Error(t, err)
	var everr *ir.EvaluationError
	assert.True(t, errors.As(err, &everr))

	_, err = Eval(context.Background(), ir.BinaryExpr(ir.OpMod, ir.IntExpr(1), ir.IntExpr(0)), ctx)
	require.Error(t, err)
}

func TestEval_NumericCrossTypeEquality(t *testing.T) {
	ctx := testContext()
	v := mustEval(t, ir.BinaryExpr(ir.OpEq, ir.IntExpr(3), ir.FloatExpr(3.0)), ctx)
	b, _ := v.AsBool()
	assert.True(t, b)
}

func TestEval_ShortCircuit(t *testing.T) {
	ctx := testContext()

	// rhs would fail with UndefinedVariable; short circuit avoids it.
	bad := ir.IdentExpr("no_such_var")
	v := mustEval(t, ir.BinaryExpr(ir.OpAnd, ir.BoolExpr(false), bad), ctx)
	b, _ := v.AsBool()
	assert.False(t, b)

	v = mustEval(t, ir.BinaryExpr(ir.OpOr, ir.BoolExpr(true), bad), ctx)
	b, _ = v.AsBool()
	assert.True(t, b)

	// Without short circuit the error surfaces.
	_, err := Eval(context.Background(), ir.BinaryExpr(ir.OpAnd, ir.BoolExpr(true), bad), ctx)
	require.Error(t, err)
	var undef *ir.UndefinedVariableError
	assert.True(t, errors.As(err, &undef))
}

func TestEval_Matches(t *testing.T) {
	ctx := testContext()
	v := mustEval(t, ir.BinaryExpr(ir.OpMatches, field("action", "payload", "name"), ir.StringExpr(`^disk-`)), ctx)
	b, _ := v.AsBool()
	assert.True(t, b)

	_, err := Eval(context.Background(), ir.BinaryExpr(ir.OpMatches, ir.StringExpr("x"), ir.StringExpr(`([`)), ctx)
	require.Error(t, err)
	var rerr *ir.InvalidRegexError
	assert.True(t, errors.As(err, &rerr))
}

func TestEval_InOperator(t *testing.T) {
	ctx := testContext()

	v := mustEval(t, ir.BinaryExpr(ir.OpIn, ir.StringExpr("infra"), field("action", "payload", "tags")), ctx)
	b, _ := v.AsBool()
	assert.True(t, b)

	// value in string means substring.
	v = mustEval(t, ir.BinaryExpr(ir.OpIn, ir.StringExpr("disk"), field("action", "payload", "name")), ctx)
	b, _ = v.AsBool()
	assert.True(t, b)
}

func TestEval_IdentResolution(t *testing.T) {
	ctx := testContext()

	v := mustEval(t, field("action", "action_type"), ctx)
	s, _ := v.AsString()
	assert.Equal(t, "alert", s)

	v = mustEval(t, field("env", "region"), ctx)
	s, _ = v.AsString()
	assert.Equal(t, "eu-west-1", s)

	v = mustEval(t, ir.IdentExpr("now"), ctx)
	n, _ := v.AsInt()
	assert.Equal(t, ctx.Now.Unix(), n)

	_, err := Eval(context.Background(), ir.IdentExpr("bogus"), ctx)
	require.Error(t, err)
}

func TestEval_TimeMap(t *testing.T) {
	ctx := testContext() // Wednesday 2026-03-04 13:45:30 UTC

	v := mustEval(t, field("time", "hour"), ctx)
	n, _ := v.AsInt()
	assert.Equal(t, int64(13), n)

	v = mustEval(t, field("time", "weekday"), ctx)
	s, _ := v.AsString()
	assert.Equal(t, "Wednesday", s)

	// weekday_num: 1=Mon..7=Sun.
	v = mustEval(t, field("time", "weekday_num"), ctx)
	n, _ = v.AsInt()
	assert.Equal(t, int64(3), n)
}

func TestEval_Builtins(t *testing.T) {
	ctx := testContext()

	v := mustEval(t, ir.CallExpr("len", []*ir.Expr{ir.StringExpr("abc")}), ctx)
	n, _ := v.AsInt()
	assert.Equal(t, int64(3), n)

	v = mustEval(t, ir.CallExpr("upper", []*ir.Expr{ir.StringExpr("abc")}), ctx)
	s, _ := v.AsString()
	assert.Equal(t, "ABC", s)

	v = mustEval(t, ir.CallExpr("to_int", []*ir.Expr{ir.StringExpr(" 42 ")}), ctx)
	n, _ = v.AsInt()
	assert.Equal(t, int64(42), n)

	_, err := Eval(context.Background(), ir.CallExpr("nope", nil), ctx)
	require.Error(t, err)
	var uferr *ir.UndefinedFunctionError
	assert.True(t, errors.As(err, &uferr))
}

// mapStateReader backs state ops with a fixed key/value set.
type mapStateReader map[string]string

func (m mapStateReader) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m[key]
	return []byte(v), ok, nil
}

func TestEval_StateOps(t *testing.T) {
	ctx := testContext()
	ctx.State = mapStateReader{
		"prod:acme:counter:logins:alice": "5",
		"prod:acme:counter:last_seen":    "1700000000",
	}

	v, err := Eval(context.Background(), ir.StateCounterExpr("counter:logins:{action.payload.name}"), ctx)
	require.Error(t, err) // name resolves to disk-full, key absent
	var undef *ir.UndefinedVariableError
	assert.True(t, errors.As(err, &undef))
	_ = v

	v = mustEval(t, ir.StateCounterExpr("counter:logins:alice"), ctx)
	n, _ := v.AsInt()
	assert.Equal(t, int64(5), n)

	v = mustEval(t, ir.StateTimeSinceExpr("counter:last_seen"), ctx)
	n, _ = v.AsInt()
	assert.Equal(t, ctx.Now.Unix()-1700000000, n)
}

func TestEval_Ternary(t *testing.T) {
	ctx := testContext()
	v := mustEval(t, ir.TernaryExpr(
		ir.BinaryExpr(ir.OpGt, field("action", "payload", "count"), ir.IntExpr(5)),
		ir.StringExpr("high"),
		ir.StringExpr("low"),
	), ctx)
	s, _ := v.AsString()
	assert.Equal(t, "high", s)
}

func TestEval_AllAny(t *testing.T) {
	ctx := testContext()

	v := mustEval(t, ir.AllExpr([]*ir.Expr{
		ir.BinaryExpr(ir.OpEq, field("action", "action_type"), ir.StringExpr("alert")),
		ir.BinaryExpr(ir.OpGt, field("action", "payload", "count"), ir.IntExpr(5)),
	}), ctx)
	assert.True(t, v.Truthy())

	v = mustEval(t, ir.AnyExpr([]*ir.Expr{
		ir.BinaryExpr(ir.OpEq, field("action", "action_type"), ir.StringExpr("other")),
		ir.BinaryExpr(ir.OpGt, field("action", "payload", "count"), ir.IntExpr(5)),
	}), ctx)
	assert.True(t, v.Truthy())
}

func TestEval_OptimizedEquivalence(t *testing.T) {
	// eval(E) == eval(optimize(E)) across a spread of pure expressions.
	exprs := []*ir.Expr{
		ir.BinaryExpr(ir.OpAdd, ir.IntExpr(2), ir.BinaryExpr(ir.OpMul, ir.IntExpr(3), ir.IntExpr(4))),
		ir.TernaryExpr(ir.BoolExpr(true), field("action", "payload", "count"), ir.IntExpr(0)),
		ir.UnaryExpr(ir.OpNot, ir.UnaryExpr(ir.OpNot, ir.BinaryExpr(ir.OpEq, field("action", "action_type"), ir.StringExpr("alert")))),
		ir.AllExpr([]*ir.Expr{ir.BoolExpr(true), ir.BinaryExpr(ir.OpGt, field("action", "payload", "count"), ir.IntExpr(1))}),
		ir.AnyExpr([]*ir.Expr{ir.BoolExpr(false), ir.BinaryExpr(ir.OpLt, field("action", "payload", "ratio"), ir.FloatExpr(1.0))}),
	}
	for i, e := range exprs {
		plain := mustEval(t, e, testContext())
		opt := mustEval(t, ir.Optimize(e), testContext())
		assert.True(t, ir.Equal(plain, opt), "expr %d", i)
	}
}
