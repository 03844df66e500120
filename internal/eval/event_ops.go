package eval

import (
	"context"

	"github.com/penserai/acteon/internal/ir"
)

func evalHasActiveEvent(goCtx context.Context, eventType string, labelValue *string, ctx *Context) (ir.Value, error) {
	if ctx.Events == nil {
		return ir.Bool(false), nil
	}
	found, err := ctx.Events.ActiveEventExists(goCtx, ctx.Action.Namespace, ctx.Action.Tenant, eventType, labelValue)
	if err != nil {
		return ir.Null, &ir.StateError{Cause: err}
	}
	return ir.Bool(found), nil
}

func evalGetEventState(goCtx context.Context, fingerprintExpr *ir.Expr, ctx *Context) (ir.Value, error) {
	fp, err := Eval(goCtx, fingerprintExpr, ctx)
	if err != nil {
		return ir.Null, err
	}
	fpStr, ok := fp.AsString()
	if !ok {
		return ir.Null, &ir.TypeError{Message: "get_event_state: fingerprint must be a string"}
	}
	if ctx.Events == nil {
		return ir.Null, nil
	}
	st, found, err := ctx.Events.State(goCtx, ctx.Action.Namespace, ctx.Action.Tenant, fpStr)
	if err != nil {
		return ir.Null, &ir.StateError{Cause: err}
	}
	if !found {
		return ir.Null, nil
	}
	return ir.String(st), nil
}

func evalEventInState(goCtx context.Context, fingerprintExpr *ir.Expr, wantState string, ctx *Context) (ir.Value, error) {
	fp, err := Eval(goCtx, fingerprintExpr, ctx)
	if err != nil {
		return ir.Null, err
	}
	fpStr, ok := fp.AsString()
	if !ok {
		return ir.Null, &ir.TypeError{Message: "event_in_state: fingerprint must be a string"}
	}
	if ctx.Events == nil {
		return ir.Bool(false), nil
	}
	st, found, err := ctx.Events.State(goCtx, ctx.Action.Namespace, ctx.Action.Tenant, fpStr)
	if err != nil {
		return ir.Null, &ir.StateError{Cause: err}
	}
	return ir.Bool(found && st == wantState), nil
}
