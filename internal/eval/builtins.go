package eval

import (
	"strconv"
	"strings"
	"time"

	"github.com/penserai/acteon/internal/ir"
)

// callBuiltin dispatches Call(name, args) to the closed set of built-in
// functions. Unknown names fail with UndefinedFunction.
func callBuiltin(name string, args []ir.Value) (ir.Value, error) {
	switch name {
	case "len":
		return builtinLen(args)
	case "lower":
		return builtinStringMap(args, strings.ToLower)
	case "upper":
		return builtinStringMap(args, strings.ToUpper)
	case "trim":
		return builtinStringMap(args, strings.TrimSpace)
	case "split":
		return builtinSplit(args)
	case "concat":
		return builtinConcat(args)
	case "has":
		return builtinHas(args)
	case "type":
		return builtinType(args)
	case "to_int":
		return builtinToInt(args)
	case "to_float":
		return builtinToFloat(args)
	case "to_string":
		return builtinToString(args)
	case "to_bool":
		return builtinToBool(args)
	case "now_ts":
		return ir.Int(time.Now().Unix()), nil
	default:
		return ir.Null, &ir.UndefinedFunctionError{Name: name}
	}
}

func arity(args []ir.Value, n int, fn string) error {
	if len(args) != n {
		return &ir.EvaluationError{Message: fn + ": expected " + strconv.Itoa(n) + " argument(s), got " + strconv.Itoa(len(args))}
	}
	return nil
}

func builtinLen(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 1, "len"); err != nil {
		return ir.Null, err
	}
	v := args[0]
	switch v.Kind() {
	case ir.KindString:
		s, _ := v.AsString()
		return ir.Int(int64(len([]rune(s)))), nil
	case ir.KindList:
		l, _ := v.AsList()
		return ir.Int(int64(len(l))), nil
	case ir.KindMap:
		m, _ := v.AsMap()
		return ir.Int(int64(len(m))), nil
	default:
		return ir.Null, &ir.TypeError{Message: "len: unsupported type " + v.Kind().String()}
	}
}

func builtinStringMap(args []ir.Value, f func(string) string) (ir.Value, error) {
	if err := arity(args, 1, "string function"); err != nil {
		return ir.Null, err
	}
	s, ok := args[0].AsString()
	if !ok {
		return ir.Null, &ir.TypeError{Message: "expected string argument"}
	}
	return ir.String(f(s)), nil
}

func builtinSplit(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 2, "split"); err != nil {
		return ir.Null, err
	}
	s, ok1 := args[0].AsString()
	sep, ok2 := args[1].AsString()
	if !ok1 || !ok2 {
		return ir.Null, &ir.TypeError{Message: "split: both arguments must be strings"}
	}
	parts := strings.Split(s, sep)
	out := make([]ir.Value, len(parts))
	for i, p := range parts {
		out[i] = ir.String(p)
	}
	return ir.List(out), nil
}

func builtinConcat(args []ir.Value) (ir.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(a.String_())
	}
	return ir.String(sb.String()), nil
}

func builtinHas(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 2, "has"); err != nil {
		return ir.Null, err
	}
	switch args[0].Kind() {
	case ir.KindMap:
		m, _ := args[0].AsMap()
		key, ok := args[1].AsString()
		if !ok {
			return ir.Null, &ir.TypeError{Message: "has: map key must be a string"}
		}
		_, found := m[key]
		return ir.Bool(found), nil
	case ir.KindList:
		l, _ := args[0].AsList()
		for _, item := range l {
			if ir.Equal(item, args[1]) {
				return ir.Bool(true), nil
			}
		}
		return ir.Bool(false), nil
	default:
		return ir.Null, &ir.TypeError{Message: "has: unsupported type " + args[0].Kind().String()}
	}
}

func builtinType(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 1, "type"); err != nil {
		return ir.Null, err
	}
	return ir.String(args[0].Kind().String()), nil
}

func builtinToInt(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 1, "to_int"); err != nil {
		return ir.Null, err
	}
	v := args[0]
	switch v.Kind() {
	case ir.KindInt:
		return v, nil
	case ir.KindFloat:
		f, _ := v.AsFloat()
		return ir.Int(int64(f)), nil
	case ir.KindString:
		s, _ := v.AsString()
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return ir.Null, &ir.EvaluationError{Message: "to_int: cannot parse " + s}
		}
		return ir.Int(n), nil
	case ir.KindBool:
		b, _ := v.AsBool()
		if b {
			return ir.Int(1), nil
		}
		return ir.Int(0), nil
	default:
		return ir.Null, &ir.TypeError{Message: "to_int: unsupported type " + v.Kind().String()}
	}
}

func builtinToFloat(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 1, "to_float"); err != nil {
		return ir.Null, err
	}
	v := args[0]
	if f, ok := numericOnly(v); ok {
		return ir.Float(f), nil
	}
	if s, ok := v.AsString(); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return ir.Null, &ir.EvaluationError{Message: "to_float: cannot parse " + s}
		}
		return ir.Float(f), nil
	}
	return ir.Null, &ir.TypeError{Message: "to_float: unsupported type " + v.Kind().String()}
}

func builtinToString(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 1, "to_string"); err != nil {
		return ir.Null, err
	}
	return ir.String(args[0].String_()), nil
}

func builtinToBool(args []ir.Value) (ir.Value, error) {
	if err := arity(args, 1, "to_bool"); err != nil {
		return ir.Null, err
	}
	return ir.Bool(args[0].Truthy()), nil
}
