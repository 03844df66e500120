package eval

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PaesslerAG/gval"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/ir"
)

// renderPattern resolves a StateGet/StateCounter/StateTimeSince pattern of
// the form "<kind>:<id-template>" into a canonical state key scoped to the
// evaluating action's namespace/tenant. The id-template may embed
// `{expression}` placeholders evaluated with gval against a parameter set
// exposing `action`/`env`/`now`, mirroring the jsonpath-style dotted
// access rule conditions already use for `action.payload.x.y`.
func renderPattern(pattern string, ctx *Context) (kind state.Kind, id string, err error) {
	parts := strings.SplitN(pattern, ":", 2)
	if len(parts) != 2 {
		return "", "", &ir.EvaluationError{Message: "invalid state pattern: " + pattern}
	}
	kind = state.Kind(parts[0])
	rendered, err := renderTemplate(parts[1], ctx)
	if err != nil {
		return "", "", err
	}
	return kind, rendered, nil
}

func renderTemplate(tmpl string, ctx *Context) (string, error) {
	var sb strings.Builder
	params := map[string]interface{}{
		"action": ctx.Action.ToValueMap(),
		"env":    ctx.Environment,
		"now":    ctx.Now.Unix(),
	}

	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			sb.WriteString(tmpl[i:])
			break
		}
		sb.WriteString(tmpl[i : i+open])
		start := i + open + 1
		close := strings.IndexByte(tmpl[start:], '}')
		if close < 0 {
			return "", &ir.EvaluationError{Message: "unterminated placeholder in state pattern"}
		}
		exprStr := tmpl[start : start+close]
		val, err := gval.Evaluate(exprStr, params)
		if err != nil {
			return "", &ir.EvaluationError{Message: "state pattern placeholder: " + err.Error()}
		}
		sb.WriteString(toTemplateString(val))
		i = start + close + 1
	}
	return sb.String(), nil
}

func toTemplateString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func evalStateGet(goCtx context.Context, pattern string, ctx *Context) (ir.Value, error) {
	if ctx.State == nil {
		return ir.Null, &ir.StateError{Cause: &ir.EvaluationError{Message: "no state store configured"}}
	}
	kind, id, err := renderPattern(pattern, ctx)
	if err != nil {
		return ir.Null, err
	}
	key := state.CanonicalKey(ctx.Action.Namespace, ctx.Action.Tenant, kind, id)
	raw, ok, err := ctx.State.Get(goCtx, key)
	if err != nil {
		return ir.Null, &ir.StateError{Cause: err}
	}
	if !ok {
		return ir.Null, &ir.UndefinedVariableError{Name: pattern}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not JSON; treat the raw bytes as a plain string value.
		return ir.String(string(raw)), nil
	}
	return ir.FromAny(decoded), nil
}

func evalStateCounter(goCtx context.Context, pattern string, ctx *Context) (ir.Value, error) {
	if ctx.State == nil {
		return ir.Null, &ir.StateError{Cause: &ir.EvaluationError{Message: "no state store configured"}}
	}
	kind, id, err := renderPattern(pattern, ctx)
	if err != nil {
		return ir.Null, err
	}
	key := state.CanonicalKey(ctx.Action.Namespace, ctx.Action.Tenant, kind, id)
	raw, ok, err := ctx.State.Get(goCtx, key)
	if err != nil {
		return ir.Null, &ir.StateError{Cause: err}
	}
	if !ok {
		return ir.Null, &ir.UndefinedVariableError{Name: pattern}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return ir.Null, &ir.EvaluationError{Message: "state_counter: non-numeric value at " + key}
	}
	return ir.Int(n), nil
}

func evalStateTimeSince(goCtx context.Context, pattern string, ctx *Context) (ir.Value, error) {
	if ctx.State == nil {
		return ir.Null, &ir.StateError{Cause: &ir.EvaluationError{Message: "no state store configured"}}
	}
	kind, id, err := renderPattern(pattern, ctx)
	if err != nil {
		return ir.Null, err
	}
	key := state.CanonicalKey(ctx.Action.Namespace, ctx.Action.Tenant, kind, id)
	raw, ok, err := ctx.State.Get(goCtx, key)
	if err != nil {
		return ir.Null, &ir.StateError{Cause: err}
	}
	if !ok {
		return ir.Null, &ir.UndefinedVariableError{Name: pattern}
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return ir.Null, &ir.EvaluationError{Message: "state_time_since: non-numeric timestamp at " + key}
	}
	return ir.Int(ctx.Now.Unix() - ts), nil
}
