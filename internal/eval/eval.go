package eval

import (
	"context"
	"math"
	"regexp"

	"github.com/penserai/acteon/internal/ir"
)

// Eval recursively evaluates expr against ctx. Suspension points (state
// reads, WASM calls, semantic match) are ordinary blocking Go calls;
// the Go scheduler supplies the asynchrony without an explicit
// future/await split.
func Eval(goCtx context.Context, expr *ir.Expr, ctx *Context) (ir.Value, error) {
	switch expr.Kind {
	case ir.NodeNull:
		return ir.Null, nil
	case ir.NodeBool:
		return ir.Bool(expr.Bool), nil
	case ir.NodeInt:
		return ir.Int(expr.Int), nil
	case ir.NodeFloat:
		return ir.Float(expr.Float), nil
	case ir.NodeString:
		return ir.String(expr.String), nil

	case ir.NodeList:
		out := make([]ir.Value, len(expr.List))
		for i, item := range expr.List {
			v, err := Eval(goCtx, item, ctx)
			if err != nil {
				return ir.Null, err
			}
			out[i] = v
		}
		return ir.List(out), nil

	case ir.NodeMap:
		out := make(map[string]ir.Value, len(expr.Map))
		for _, entry := range expr.Map {
			v, err := Eval(goCtx, entry.Value, ctx)
			if err != nil {
				return ir.Null, err
			}
			out[entry.Key] = v
		}
		return ir.Map(out), nil

	case ir.NodeIdent:
		return resolveIdent(goCtx, expr.Ident, ctx)

	case ir.NodeField:
		if ctx.Access != nil && expr.Base.Kind == ir.NodeIdent &&
			(expr.Base.Ident == "env" || expr.Base.Ident == "environment") {
			ctx.Access.RecordEnvKey(expr.Field)
		}
		base, err := Eval(goCtx, expr.Base, ctx)
		if err != nil {
			return ir.Null, err
		}
		return base.Field(expr.Field)

	case ir.NodeIndex:
		base, err := Eval(goCtx, expr.Base, ctx)
		if err != nil {
			return ir.Null, err
		}
		idx, err := Eval(goCtx, expr.Index, ctx)
		if err != nil {
			return ir.Null, err
		}
		return base.Index(idx)

	case ir.NodeUnary:
		v, err := Eval(goCtx, expr.Operand, ctx)
		if err != nil {
			return ir.Null, err
		}
		return evalUnary(expr.UnaryOp, v)

	case ir.NodeBinary:
		return evalBinary(goCtx, expr.BinaryOp, expr.LHS, expr.RHS, ctx)

	case ir.NodeTernary:
		cond, err := Eval(goCtx, expr.Cond, ctx)
		if err != nil {
			return ir.Null, err
		}
		if cond.Truthy() {
			return Eval(goCtx, expr.Then, ctx)
		}
		return Eval(goCtx, expr.Else, ctx)

	case ir.NodeCall:
		args := make([]ir.Value, len(expr.Args))
		for i, a := range expr.Args {
			v, err := Eval(goCtx, a, ctx)
			if err != nil {
				return ir.Null, err
			}
			args[i] = v
		}
		return callBuiltin(expr.CallName, args)

	case ir.NodeAll:
		for _, e := range expr.Exprs {
			v, err := Eval(goCtx, e, ctx)
			if err != nil {
				return ir.Null, err
			}
			if !v.Truthy() {
				return ir.Bool(false), nil
			}
		}
		return ir.Bool(true), nil

	case ir.NodeAny:
		for _, e := range expr.Exprs {
			v, err := Eval(goCtx, e, ctx)
			if err != nil {
				return ir.Null, err
			}
			if v.Truthy() {
				return ir.Bool(true), nil
			}
		}
		return ir.Bool(false), nil

	case ir.NodeStateGet:
		return evalStateGet(goCtx, expr.Pattern, ctx)
	case ir.NodeStateCounter:
		return evalStateCounter(goCtx, expr.Pattern, ctx)
	case ir.NodeStateTimeSince:
		return evalStateTimeSince(goCtx, expr.Pattern, ctx)

	case ir.NodeHasActiveEvent:
		return evalHasActiveEvent(goCtx, expr.EventType, expr.LabelValue, ctx)
	case ir.NodeGetEventState:
		return evalGetEventState(goCtx, expr.Fingerprint, ctx)
	case ir.NodeEventInState:
		return evalEventInState(goCtx, expr.Fingerprint, expr.EventState, ctx)

	case ir.NodeWasmCall:
		return evalWasmCall(goCtx, expr.WasmPlugin, expr.WasmFunction, ctx)
	case ir.NodeSemanticMatch:
		return evalSemanticMatch(goCtx, expr.SemanticTopic, expr.SemanticThreshold, expr.SemanticTextField, ctx)

	default:
		return ir.Null, &ir.EvaluationError{Message: "unhandled expression node"}
	}
}

func resolveIdent(goCtx context.Context, name string, ctx *Context) (ir.Value, error) {
	switch name {
	case "action":
		return ctx.resolvedAction(), nil
	case "env", "environment":
		m := make(map[string]ir.Value, len(ctx.Environment))
		for k, v := range ctx.Environment {
			m[k] = ir.String(v)
		}
		return ir.Map(m), nil
	case "now":
		return ir.Int(ctx.Now.Unix()), nil
	case "time":
		if !ctx.timeInit {
			ctx.timeValue = buildTimeMap(ctx)
			ctx.timeInit = true
		}
		return ctx.timeValue, nil
	default:
		if v, ok := ctx.Environment[name]; ok {
			if ctx.Access != nil {
				ctx.Access.RecordEnvKey(name)
			}
			return ir.String(v), nil
		}
		return ir.Null, &ir.UndefinedVariableError{Name: name}
	}
}

func evalUnary(op ir.UnaryOp, v ir.Value) (ir.Value, error) {
	switch op {
	case ir.OpNot:
		return ir.Bool(!v.Truthy()), nil
	case ir.OpNeg:
		if n, ok := v.AsInt(); ok {
			return ir.Int(-n), nil
		}
		if f, ok := v.AsFloat(); ok && v.Kind() == ir.KindFloat {
			return ir.Float(-f), nil
		}
		return ir.Null, &ir.TypeError{Message: "cannot negate " + v.Kind().String()}
	default:
		return ir.Null, &ir.EvaluationError{Message: "unknown unary operator"}
	}
}

func evalBinary(goCtx context.Context, op ir.BinaryOp, lhsExpr, rhsExpr *ir.Expr, ctx *Context) (ir.Value, error) {
	if op == ir.OpAnd {
		left, err := Eval(goCtx, lhsExpr, ctx)
		if err != nil {
			return ir.Null, err
		}
		if !left.Truthy() {
			return ir.Bool(false), nil
		}
		right, err := Eval(goCtx, rhsExpr, ctx)
		if err != nil {
			return ir.Null, err
		}
		return ir.Bool(right.Truthy()), nil
	}
	if op == ir.OpOr {
		left, err := Eval(goCtx, lhsExpr, ctx)
		if err != nil {
			return ir.Null, err
		}
		if left.Truthy() {
			return ir.Bool(true), nil
		}
		right, err := Eval(goCtx, rhsExpr, ctx)
		if err != nil {
			return ir.Null, err
		}
		return ir.Bool(right.Truthy()), nil
	}

	left, err := Eval(goCtx, lhsExpr, ctx)
	if err != nil {
		return ir.Null, err
	}
	right, err := Eval(goCtx, rhsExpr, ctx)
	if err != nil {
		return ir.Null, err
	}

	switch op {
	case ir.OpAdd:
		return evalAdd(left, right)
	case ir.OpSub:
		return evalArith(left, right, func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }, "subtract")
	case ir.OpMul:
		return evalArith(left, right, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }, "multiply")
	case ir.OpDiv:
		return evalDiv(left, right)
	case ir.OpMod:
		return evalMod(left, right)
	case ir.OpEq:
		return ir.Bool(valuesEqual(left, right)), nil
	case ir.OpNe:
		return ir.Bool(!valuesEqual(left, right)), nil
	case ir.OpLt:
		return evalCompare(left, right, func(o int) bool { return o < 0 })
	case ir.OpLe:
		return evalCompare(left, right, func(o int) bool { return o <= 0 })
	case ir.OpGt:
		return evalCompare(left, right, func(o int) bool { return o > 0 })
	case ir.OpGe:
		return evalCompare(left, right, func(o int) bool { return o >= 0 })
	case ir.OpContains:
		return evalContains(left, right)
	case ir.OpStartsWith:
		return evalStartsWith(left, right)
	case ir.OpEndsWith:
		return evalEndsWith(left, right)
	case ir.OpMatches:
		return evalMatches(left, right)
	case ir.OpIn:
		return evalIn(left, right)
	default:
		return ir.Null, &ir.EvaluationError{Message: "unknown binary operator"}
	}
}

func evalAdd(left, right ir.Value) (ir.Value, error) {
	if a, ok := left.AsInt(); ok {
		if b, ok := right.AsInt(); ok {
			return ir.Int(a + b), nil // wrapping is implicit in Go's int64
		}
	}
	if s1, ok := left.AsString(); ok {
		if s2, ok := right.AsString(); ok {
			return ir.String(s1 + s2), nil
		}
	}
	af, aok := numericOnly(left)
	bf, bok := numericOnly(right)
	if aok && bok {
		return ir.Float(af + bf), nil
	}
	return ir.Null, &ir.TypeError{Message: "cannot add " + left.Kind().String() + " and " + right.Kind().String()}
}

// numericOnly returns (value, true) only for Int/Float kinds, promoting
// to float64.
func numericOnly(v ir.Value) (float64, bool) {
	if v.Kind() != ir.KindInt && v.Kind() != ir.KindFloat {
		return 0, false
	}
	f, _ := v.AsFloat()
	return f, true
}

func evalArith(left, right ir.Value, intOp func(int64, int64) int64, floatOp func(float64, float64) float64, name string) (ir.Value, error) {
	if left.Kind() == ir.KindInt && right.Kind() == ir.KindInt {
		a, _ := left.AsInt()
		b, _ := right.AsInt()
		return ir.Int(intOp(a, b)), nil
	}
	af, aok := numericOnly(left)
	bf, bok := numericOnly(right)
	if aok && bok {
		return ir.Float(floatOp(af, bf)), nil
	}
	return ir.Null, &ir.TypeError{Message: "cannot " + name + " " + left.Kind().String() + " and " + right.Kind().String()}
}

func evalDiv(left, right ir.Value) (ir.Value, error) {
	if left.Kind() == ir.KindInt && right.Kind() == ir.KindInt {
		a, _ := left.AsInt()
		b, _ := right.AsInt()
		if b == 0 {
			return ir.Null, &ir.EvaluationError{Message: "division by zero"}
		}
		return ir.Int(a / b), nil
	}
	af, aok := numericOnly(left)
	bf, bok := numericOnly(right)
	if !aok || !bok {
		return ir.Null, &ir.TypeError{Message: "cannot divide " + left.Kind().String() + " by " + right.Kind().String()}
	}
	if bf == 0 {
		return ir.Null, &ir.EvaluationError{Message: "division by zero"}
	}
	return ir.Float(af / bf), nil
}

func evalMod(left, right ir.Value) (ir.Value, error) {
	if left.Kind() == ir.KindInt && right.Kind() == ir.KindInt {
		a, _ := left.AsInt()
		b, _ := right.AsInt()
		if b == 0 {
			return ir.Null, &ir.EvaluationError{Message: "modulo by zero"}
		}
		return ir.Int(a % b), nil
	}
	af, aok := numericOnly(left)
	bf, bok := numericOnly(right)
	if !aok || !bok {
		return ir.Null, &ir.TypeError{Message: "cannot modulo " + left.Kind().String() + " by " + right.Kind().String()}
	}
	if bf == 0 {
		return ir.Null, &ir.EvaluationError{Message: "modulo by zero"}
	}
	return ir.Float(math.Mod(af, bf)), nil
}

func valuesEqual(left, right ir.Value) bool {
	return ir.NumericEqual(left, right)
}

func evalCompare(left, right ir.Value, predicate func(int) bool) (ir.Value, error) {
	if left.Kind() == ir.KindString && right.Kind() == ir.KindString {
		a, _ := left.AsString()
		b, _ := right.AsString()
		switch {
		case a < b:
			return ir.Bool(predicate(-1)), nil
		case a > b:
			return ir.Bool(predicate(1)), nil
		default:
			return ir.Bool(predicate(0)), nil
		}
	}
	af, aok := numericOnly(left)
	bf, bok := numericOnly(right)
	if !aok || !bok {
		return ir.Null, &ir.TypeError{Message: "cannot compare " + left.Kind().String() + " and " + right.Kind().String()}
	}
	switch {
	case af < bf:
		return ir.Bool(predicate(-1)), nil
	case af > bf:
		return ir.Bool(predicate(1)), nil
	default:
		return ir.Bool(predicate(0)), nil
	}
}

func evalContains(left, right ir.Value) (ir.Value, error) {
	if s1, ok := left.AsString(); ok {
		if s2, ok := right.AsString(); ok {
			return ir.Bool(contains(s1, s2)), nil
		}
	}
	if list, ok := left.AsList(); ok {
		for _, item := range list {
			if ir.Equal(item, right) {
				return ir.Bool(true), nil
			}
		}
		return ir.Bool(false), nil
	}
	return ir.Null, &ir.TypeError{Message: "contains: unsupported types " + left.Kind().String() + " and " + right.Kind().String()}
}

func evalStartsWith(left, right ir.Value) (ir.Value, error) {
	s1, ok1 := left.AsString()
	s2, ok2 := right.AsString()
	if !ok1 || !ok2 {
		return ir.Null, &ir.TypeError{Message: "starts_with: unsupported types"}
	}
	return ir.Bool(len(s1) >= len(s2) && s1[:len(s2)] == s2), nil
}

func evalEndsWith(left, right ir.Value) (ir.Value, error) {
	s1, ok1 := left.AsString()
	s2, ok2 := right.AsString()
	if !ok1 || !ok2 {
		return ir.Null, &ir.TypeError{Message: "ends_with: unsupported types"}
	}
	return ir.Bool(len(s1) >= len(s2) && s1[len(s1)-len(s2):] == s2), nil
}

func evalMatches(left, right ir.Value) (ir.Value, error) {
	s, ok1 := left.AsString()
	pattern, ok2 := right.AsString()
	if !ok1 || !ok2 {
		return ir.Null, &ir.TypeError{Message: "matches: unsupported types"}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ir.Null, &ir.InvalidRegexError{Pattern: pattern, Cause: err}
	}
	return ir.Bool(re.MatchString(s)), nil
}

func evalIn(left, right ir.Value) (ir.Value, error) {
	switch right.Kind() {
	case ir.KindList:
		list, _ := right.AsList()
		for _, item := range list {
			if ir.Equal(item, left) {
				return ir.Bool(true), nil
			}
		}
		return ir.Bool(false), nil
	case ir.KindMap:
		m, _ := right.AsMap()
		key, ok := left.AsString()
		if !ok {
			return ir.Null, &ir.TypeError{Message: "in: map key must be string"}
		}
		_, found := m[key]
		return ir.Bool(found), nil
	case ir.KindString:
		haystack, _ := right.AsString()
		needle, ok := left.AsString()
		if !ok {
			return ir.Null, &ir.TypeError{Message: "in: cannot check membership in string"}
		}
		return ir.Bool(contains(haystack, needle)), nil
	default:
		return ir.Null, &ir.TypeError{Message: "in: right-hand side must be list, map, or string"}
	}
}

func contains(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
