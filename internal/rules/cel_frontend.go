package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ir"
)

// CELFrontend parses YAML rule files whose `condition` is a CEL-subset
// expression string. cel-go supplies the parser; the parsed AST is
// lowered into the expression IR, rejecting anything outside the
// documented grammar (comprehension macros, struct construction).
type CELFrontend struct {
	env *cel.Env
}

func (f *CELFrontend) Extensions() []string { return []string{"cel"} }

type celRuleFile struct {
	Rules []celRule `yaml:"rules"`
}

type celRule struct {
	Name        string            `yaml:"name"`
	Priority    int32             `yaml:"priority"`
	Description string            `yaml:"description,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Condition   string            `yaml:"condition"`
	Action      yamlAction        `yaml:"action"`
}

func (f *CELFrontend) Parse(path string, content []byte) ([]core.Rule, error) {
	var file celRuleFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("rules: cel rule file parse error in %s: %w", path, err)
	}
	out := make([]core.Rule, 0, len(file.Rules))
	for i, cr := range file.Rules {
		if cr.Name == "" {
			return nil, fmt.Errorf("rules: %s: rule %d has no name", path, i)
		}
		cond, err := f.ParseExpression(cr.Condition)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: rule %q: %w", path, cr.Name, err)
		}
		action, err := parseYAMLAction(cr.Action)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: rule %q: %w", path, cr.Name, err)
		}
		enabled := true
		if cr.Enabled != nil {
			enabled = *cr.Enabled
		}
		out = append(out, core.Rule{
			Name:      cr.Name,
			Priority:  cr.Priority,
			Enabled:   enabled,
			Condition: cond,
			Action:    action,
			Source:    core.RuleSource{File: path, Inline: path == ""},
			Labels:    cr.Labels,
		})
	}
	return out, nil
}

// ParseExpression compiles one CEL expression string into the IR.
func (f *CELFrontend) ParseExpression(src string) (*ir.Expr, error) {
	if f.env == nil {
		env, err := cel.NewEnv()
		if err != nil {
			return nil, fmt.Errorf("rules: cel env: %w", err)
		}
		f.env = env
	}
	ast, iss := f.env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("rules: cel parse error: %w", iss.Err())
	}
	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("rules: cel ast: %w", err)
	}
	return lowerCEL(parsed.GetExpr())
}

var celBinaryOps = map[string]ir.BinaryOp{
	"_&&_": ir.OpAnd,
	"_||_": ir.OpOr,
	"_==_": ir.OpEq,
	"_!=_": ir.OpNe,
	"_<_":  ir.OpLt,
	"_<=_": ir.OpLe,
	"_>_":  ir.OpGt,
	"_>=_": ir.OpGe,
	"_+_":  ir.OpAdd,
	"_-_":  ir.OpSub,
	"_*_":  ir.OpMul,
	"_/_":  ir.OpDiv,
	"_%_":  ir.OpMod,
	"@in":  ir.OpIn,
	"in":   ir.OpIn,
}

var celStringMethods = map[string]ir.BinaryOp{
	"contains":   ir.OpContains,
	"startsWith": ir.OpStartsWith,
	"endsWith":   ir.OpEndsWith,
	"matches":    ir.OpMatches,
}

func lowerCEL(e *exprpb.Expr) (*ir.Expr, error) {
	if e == nil {
		return nil, fmt.Errorf("rules: empty cel expression")
	}
	switch node := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		return lowerCELConst(node.ConstExpr)

	case *exprpb.Expr_IdentExpr:
		return ir.IdentExpr(node.IdentExpr.GetName()), nil

	case *exprpb.Expr_SelectExpr:
		sel := node.SelectExpr
		base, err := lowerCEL(sel.GetOperand())
		if err != nil {
			return nil, err
		}
		if sel.GetTestOnly() {
			// has(a.b) macro, lowered to the two-argument has builtin.
			return ir.CallExpr("has", []*ir.Expr{base, ir.StringExpr(sel.GetField())}), nil
		}
		return ir.FieldExpr(base, sel.GetField()), nil

	case *exprpb.Expr_ListExpr:
		elems := node.ListExpr.GetElements()
		items := make([]*ir.Expr, len(elems))
		for i, el := range elems {
			item, err := lowerCEL(el)
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return ir.ListExpr(items), nil

	case *exprpb.Expr_StructExpr:
		st := node.StructExpr
		if st.GetMessageName() != "" {
			return nil, fmt.Errorf("rules: struct construction is outside the accepted grammar")
		}
		entries := make([]ir.MapEntry, 0, len(st.GetEntries()))
		for _, entry := range st.GetEntries() {
			keyExpr, err := lowerCEL(entry.GetMapKey())
			if err != nil {
				return nil, err
			}
			if keyExpr.Kind != ir.NodeString {
				return nil, fmt.Errorf("rules: map keys must be string literals")
			}
			val, err := lowerCEL(entry.GetValue())
			if err != nil {
				return nil, err
			}
			entries = append(entries, ir.MapEntry{Key: keyExpr.String, Value: val})
		}
		return ir.MapExpr(entries), nil

	case *exprpb.Expr_CallExpr:
		return lowerCELCall(node.CallExpr)

	case *exprpb.Expr_ComprehensionExpr:
		return nil, fmt.Errorf("rules: comprehension macros (all/exists/map/filter) are outside the accepted grammar")

	default:
		return nil, fmt.Errorf("rules: unsupported cel expression kind %T", node)
	}
}

func lowerCELConst(c *exprpb.Constant) (*ir.Expr, error) {
	switch v := c.ConstantKind.(type) {
	case *exprpb.Constant_NullValue:
		return ir.NullExpr(), nil
	case *exprpb.Constant_BoolValue:
		return ir.BoolExpr(v.BoolValue), nil
	case *exprpb.Constant_Int64Value:
		return ir.IntExpr(v.Int64Value), nil
	case *exprpb.Constant_Uint64Value:
		return ir.IntExpr(int64(v.Uint64Value)), nil
	case *exprpb.Constant_DoubleValue:
		return ir.FloatExpr(v.DoubleValue), nil
	case *exprpb.Constant_StringValue:
		return ir.StringExpr(v.StringValue), nil
	default:
		return nil, fmt.Errorf("rules: unsupported cel literal kind %T", v)
	}
}

func lowerCELCall(call *exprpb.Expr_Call) (*ir.Expr, error) {
	fn := call.GetFunction()
	args := call.GetArgs()

	if target := call.GetTarget(); target != nil {
		if op, ok := celStringMethods[fn]; ok && len(args) == 1 {
			lhs, err := lowerCEL(target)
			if err != nil {
				return nil, err
			}
			rhs, err := lowerCEL(args[0])
			if err != nil {
				return nil, err
			}
			return ir.BinaryExpr(op, lhs, rhs), nil
		}
		return nil, fmt.Errorf("rules: unsupported method %q", fn)
	}

	switch fn {
	case "!_":
		operand, err := lowerCEL(args[0])
		if err != nil {
			return nil, err
		}
		return ir.UnaryExpr(ir.OpNot, operand), nil
	case "-_":
		operand, err := lowerCEL(args[0])
		if err != nil {
			return nil, err
		}
		return ir.UnaryExpr(ir.OpNeg, operand), nil
	case "_?_:_":
		if len(args) != 3 {
			return nil, fmt.Errorf("rules: malformed ternary")
		}
		cond, err := lowerCEL(args[0])
		if err != nil {
			return nil, err
		}
		then, err := lowerCEL(args[1])
		if err != nil {
			return nil, err
		}
		els, err := lowerCEL(args[2])
		if err != nil {
			return nil, err
		}
		return ir.TernaryExpr(cond, then, els), nil
	case "_[_]":
		base, err := lowerCEL(args[0])
		if err != nil {
			return nil, err
		}
		index, err := lowerCEL(args[1])
		if err != nil {
			return nil, err
		}
		return ir.IndexExpr(base, index), nil
	}

	if op, ok := celBinaryOps[fn]; ok {
		if len(args) != 2 {
			return nil, fmt.Errorf("rules: operator %q needs two operands", fn)
		}
		lhs, err := lowerCEL(args[0])
		if err != nil {
			return nil, err
		}
		rhs, err := lowerCEL(args[1])
		if err != nil {
			return nil, err
		}
		return ir.BinaryExpr(op, lhs, rhs), nil
	}

	// Plain function call: lowered as-is and resolved against the
	// evaluator's closed built-in set at evaluation time.
	lowered := make([]*ir.Expr, len(args))
	for i, a := range args {
		la, err := lowerCEL(a)
		if err != nil {
			return nil, err
		}
		lowered[i] = la
	}
	return ir.CallExpr(fn, lowered), nil
}
