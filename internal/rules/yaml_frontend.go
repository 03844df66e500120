package rules

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ir"
)

// YAMLFrontend parses the structured YAML rule schema: a top-level
// `rules:` list whose conditions are nested field/op mappings and whose
// actions are tagged variants.
type YAMLFrontend struct{}

func (f *YAMLFrontend) Extensions() []string { return []string{"yaml", "yml"} }

type yamlRuleFile struct {
	Rules []yamlRule `yaml:"rules"`
}

type yamlRule struct {
	Name        string            `yaml:"name"`
	Priority    int32             `yaml:"priority"`
	Description string            `yaml:"description,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Condition   yaml.Node         `yaml:"condition"`
	Action      yamlAction        `yaml:"action"`
}

// yamlCond is a condition node: exactly one of the leaf form
// (field/op/value) or a combinator (all/any/not) is populated.
type yamlCond struct {
	Field string      `yaml:"field,omitempty"`
	Op    string      `yaml:"op,omitempty"`
	Value interface{} `yaml:"value,omitempty"`

	All []yaml.Node `yaml:"all,omitempty"`
	Any []yaml.Node `yaml:"any,omitempty"`
	Not *yaml.Node  `yaml:"not,omitempty"`
}

type yamlAction struct {
	Type string `yaml:"type"`

	TTLSeconds *uint64 `yaml:"ttl_seconds,omitempty"` // deduplicate

	TargetProvider string `yaml:"target_provider,omitempty"` // reroute

	MaxCount      int    `yaml:"max_count,omitempty"`      // throttle
	WindowSeconds uint64 `yaml:"window_seconds,omitempty"` // throttle, group

	Changes map[string]any `yaml:"changes,omitempty"` // modify

	Chain string `yaml:"chain,omitempty"` // chain

	DelaySeconds uint64 `yaml:"delay_seconds,omitempty"` // schedule

	Keys []string `yaml:"keys,omitempty"` // group

	Machine string `yaml:"machine,omitempty"`  // state_transition
	ToState string `yaml:"to_state,omitempty"` // state_transition

	Policy string `yaml:"policy,omitempty"` // approval
}

func (f *YAMLFrontend) Parse(path string, content []byte) ([]core.Rule, error) {
	var file yamlRuleFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("rules: yaml parse error in %s: %w", path, err)
	}
	out := make([]core.Rule, 0, len(file.Rules))
	for i, yr := range file.Rules {
		if yr.Name == "" {
			return nil, fmt.Errorf("rules: %s: rule %d has no name", path, i)
		}
		cond, err := parseYAMLCond(&yr.Condition)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: rule %q: %w", path, yr.Name, err)
		}
		action, err := parseYAMLAction(yr.Action)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: rule %q: %w", path, yr.Name, err)
		}
		enabled := true
		if yr.Enabled != nil {
			enabled = *yr.Enabled
		}
		out = append(out, core.Rule{
			Name:      yr.Name,
			Priority:  yr.Priority,
			Enabled:   enabled,
			Condition: cond,
			Action:    action,
			Source:    core.RuleSource{File: path, Inline: path == ""},
			Labels:    yr.Labels,
		})
	}
	return out, nil
}

func parseYAMLCond(node *yaml.Node) (*ir.Expr, error) {
	if node == nil || node.Kind == 0 {
		return nil, fmt.Errorf("missing condition")
	}
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err == nil {
			return ir.BoolExpr(b), nil
		}
		return nil, fmt.Errorf("scalar condition must be a boolean, got %q", node.Value)
	}

	var c yamlCond
	if err := node.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid condition mapping: %w", err)
	}

	switch {
	case len(c.All) > 0:
		items, err := parseYAMLCondList(c.All)
		if err != nil {
			return nil, err
		}
		return ir.AllExpr(items), nil
	case len(c.Any) > 0:
		items, err := parseYAMLCondList(c.Any)
		if err != nil {
			return nil, err
		}
		return ir.AnyExpr(items), nil
	case c.Not != nil:
		inner, err := parseYAMLCond(c.Not)
		if err != nil {
			return nil, err
		}
		return ir.UnaryExpr(ir.OpNot, inner), nil
	case c.Field != "":
		return parseYAMLLeaf(c)
	default:
		return nil, fmt.Errorf("condition needs one of field/all/any/not")
	}
}

func parseYAMLCondList(nodes []yaml.Node) ([]*ir.Expr, error) {
	out := make([]*ir.Expr, len(nodes))
	for i := range nodes {
		e, err := parseYAMLCond(&nodes[i])
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

var yamlOps = map[string]ir.BinaryOp{
	"eq":          ir.OpEq,
	"ne":          ir.OpNe,
	"lt":          ir.OpLt,
	"le":          ir.OpLe,
	"gt":          ir.OpGt,
	"ge":          ir.OpGe,
	"contains":    ir.OpContains,
	"starts_with": ir.OpStartsWith,
	"ends_with":   ir.OpEndsWith,
	"matches":     ir.OpMatches,
	"in":          ir.OpIn,
}

func parseYAMLLeaf(c yamlCond) (*ir.Expr, error) {
	field := fieldPathExpr(c.Field)
	if c.Op == "exists" {
		parts := strings.Split(c.Field, ".")
		if len(parts) < 2 {
			return nil, fmt.Errorf("exists op needs a dotted field path")
		}
		base := fieldPathExpr(strings.Join(parts[:len(parts)-1], "."))
		return ir.CallExpr("has", []*ir.Expr{base, ir.StringExpr(parts[len(parts)-1])}), nil
	}
	op, ok := yamlOps[c.Op]
	if !ok {
		return nil, fmt.Errorf("unknown condition op %q", c.Op)
	}
	value, err := literalExpr(c.Value)
	if err != nil {
		return nil, err
	}
	return ir.BinaryExpr(op, field, value), nil
}

// fieldPathExpr turns "action.payload.x" into Field(Field(Ident(action),
// payload), x).
func fieldPathExpr(path string) *ir.Expr {
	parts := strings.Split(path, ".")
	e := ir.IdentExpr(parts[0])
	for _, p := range parts[1:] {
		e = ir.FieldExpr(e, p)
	}
	return e
}

func literalExpr(v interface{}) (*ir.Expr, error) {
	switch t := v.(type) {
	case nil:
		return ir.NullExpr(), nil
	case bool:
		return ir.BoolExpr(t), nil
	case int:
		return ir.IntExpr(int64(t)), nil
	case int64:
		return ir.IntExpr(t), nil
	case uint64:
		return ir.IntExpr(int64(t)), nil
	case float64:
		return ir.FloatExpr(t), nil
	case string:
		return ir.StringExpr(t), nil
	case []interface{}:
		items := make([]*ir.Expr, len(t))
		for i, item := range t {
			e, err := literalExpr(item)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return ir.ListExpr(items), nil
	case map[string]interface{}:
		entries := make([]ir.MapEntry, 0, len(t))
		for k, item := range t {
			e, err := literalExpr(item)
			if err != nil {
				return nil, err
			}
			entries = append(entries, ir.MapEntry{Key: k, Value: e})
		}
		return ir.MapExpr(entries), nil
	default:
		return nil, fmt.Errorf("unsupported condition value type %T", v)
	}
}

func parseYAMLAction(a yamlAction) (core.RuleAction, error) {
	switch a.Type {
	case "allow":
		return core.RuleAction{Kind: core.RuleActionAllow}, nil
	case "deny":
		return core.RuleAction{Kind: core.RuleActionDeny}, nil
	case "suppress":
		return core.RuleAction{Kind: core.RuleActionSuppress}, nil
	case "deduplicate":
		return core.RuleAction{Kind: core.RuleActionDeduplicate, DedupTTLSeconds: a.TTLSeconds}, nil
	case "reroute":
		if a.TargetProvider == "" {
			return core.RuleAction{}, fmt.Errorf("reroute action needs target_provider")
		}
		return core.RuleAction{Kind: core.RuleActionReroute, TargetProvider: a.TargetProvider}, nil
	case "throttle":
		if a.MaxCount <= 0 || a.WindowSeconds == 0 {
			return core.RuleAction{}, fmt.Errorf("throttle action needs max_count and window_seconds")
		}
		return core.RuleAction{Kind: core.RuleActionThrottle, ThrottleMax: a.MaxCount, ThrottleWindow: a.WindowSeconds}, nil
	case "modify":
		return core.RuleAction{Kind: core.RuleActionModify, Patch: a.Changes}, nil
	case "chain":
		if a.Chain == "" {
			return core.RuleAction{}, fmt.Errorf("chain action needs chain")
		}
		return core.RuleAction{Kind: core.RuleActionChain, ChainName: a.Chain}, nil
	case "schedule":
		return core.RuleAction{Kind: core.RuleActionSchedule, ScheduleDelaySeconds: a.DelaySeconds}, nil
	case "group":
		if len(a.Keys) == 0 {
			return core.RuleAction{}, fmt.Errorf("group action needs keys")
		}
		return core.RuleAction{Kind: core.RuleActionGroup, GroupKeys: a.Keys, GroupWindowSeconds: a.WindowSeconds}, nil
	case "state_transition":
		if a.Machine == "" || a.ToState == "" {
			return core.RuleAction{}, fmt.Errorf("state_transition action needs machine and to_state")
		}
		return core.RuleAction{Kind: core.RuleActionStateTransition, Machine: a.Machine, ToState: a.ToState}, nil
	case "approval":
		if a.Policy == "" {
			return core.RuleAction{}, fmt.Errorf("approval action needs policy")
		}
		return core.RuleAction{Kind: core.RuleActionApproval, ApprovalPolicy: a.Policy}, nil
	default:
		return core.RuleAction{}, fmt.Errorf("unknown action type %q", a.Type)
	}
}

// Serialize renders rules back into the YAML schema. Parse → Serialize →
// Parse is a fixed point for rules whose conditions use the structured
// schema (field/op leaves under all/any/not).
func (f *YAMLFrontend) Serialize(ruleSet []core.Rule) ([]byte, error) {
	file := yamlRuleFile{Rules: make([]yamlRule, 0, len(ruleSet))}
	for _, r := range ruleSet {
		condNode, err := condToYAMLNode(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rules: serialize %q: %w", r.Name, err)
		}
		enabled := r.Enabled
		yr := yamlRule{
			Name:      r.Name,
			Priority:  r.Priority,
			Enabled:   &enabled,
			Labels:    r.Labels,
			Condition: *condNode,
			Action:    actionToYAML(r.Action),
		}
		file.Rules = append(file.Rules, yr)
	}
	return yaml.Marshal(&file)
}

func condToYAMLNode(e *ir.Expr) (*yaml.Node, error) {
	v, err := condToYAMLValue(e)
	if err != nil {
		return nil, err
	}
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	return &n, nil
}

var yamlOpNames = func() map[ir.BinaryOp]string {
	m := make(map[ir.BinaryOp]string, len(yamlOps))
	for name, op := range yamlOps {
		m[op] = name
	}
	return m
}()

func condToYAMLValue(e *ir.Expr) (interface{}, error) {
	switch e.Kind {
	case ir.NodeBool:
		return e.Bool, nil
	case ir.NodeAll:
		items, err := condListToYAML(e.Exprs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"all": items}, nil
	case ir.NodeAny:
		items, err := condListToYAML(e.Exprs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"any": items}, nil
	case ir.NodeUnary:
		if e.UnaryOp != ir.OpNot {
			return nil, fmt.Errorf("cannot serialize unary op")
		}
		inner, err := condToYAMLValue(e.Operand)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"not": inner}, nil
	case ir.NodeCall:
		if e.CallName == "has" && len(e.Args) == 2 && e.Args[1].Kind == ir.NodeString {
			path, ok := exprToFieldPath(e.Args[0])
			if !ok {
				return nil, fmt.Errorf("cannot serialize has() argument")
			}
			return map[string]interface{}{"field": path + "." + e.Args[1].String, "op": "exists"}, nil
		}
		return nil, fmt.Errorf("cannot serialize call %q", e.CallName)
	case ir.NodeBinary:
		name, ok := yamlOpNames[e.BinaryOp]
		if !ok {
			return nil, fmt.Errorf("cannot serialize binary op")
		}
		path, ok := exprToFieldPath(e.LHS)
		if !ok {
			return nil, fmt.Errorf("condition lhs is not a field path")
		}
		value, err := exprToLiteral(e.RHS)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"field": path, "op": name, "value": value}, nil
	default:
		return nil, fmt.Errorf("condition shape not expressible in YAML schema")
	}
}

func condListToYAML(exprs []*ir.Expr) ([]interface{}, error) {
	out := make([]interface{}, len(exprs))
	for i, e := range exprs {
		v, err := condToYAMLValue(e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func exprToFieldPath(e *ir.Expr) (string, bool) {
	switch e.Kind {
	case ir.NodeIdent:
		return e.Ident, true
	case ir.NodeField:
		base, ok := exprToFieldPath(e.Base)
		if !ok {
			return "", false
		}
		return base + "." + e.Field, true
	default:
		return "", false
	}
}

func exprToLiteral(e *ir.Expr) (interface{}, error) {
	switch e.Kind {
	case ir.NodeNull:
		return nil, nil
	case ir.NodeBool:
		return e.Bool, nil
	case ir.NodeInt:
		return e.Int, nil
	case ir.NodeFloat:
		return e.Float, nil
	case ir.NodeString:
		return e.String, nil
	case ir.NodeList:
		out := make([]interface{}, len(e.List))
		for i, item := range e.List {
			v, err := exprToLiteral(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("condition value is not a literal")
	}
}

func actionToYAML(a core.RuleAction) yamlAction {
	switch a.Kind {
	case core.RuleActionDeny:
		return yamlAction{Type: "deny"}
	case core.RuleActionSuppress:
		return yamlAction{Type: "suppress"}
	case core.RuleActionDeduplicate:
		return yamlAction{Type: "deduplicate", TTLSeconds: a.DedupTTLSeconds}
	case core.RuleActionReroute:
		return yamlAction{Type: "reroute", TargetProvider: a.TargetProvider}
	case core.RuleActionThrottle:
		return yamlAction{Type: "throttle", MaxCount: a.ThrottleMax, WindowSeconds: a.ThrottleWindow}
	case core.RuleActionModify:
		return yamlAction{Type: "modify", Changes: a.Patch}
	case core.RuleActionChain:
		return yamlAction{Type: "chain", Chain: a.ChainName}
	case core.RuleActionSchedule:
		return yamlAction{Type: "schedule", DelaySeconds: a.ScheduleDelaySeconds}
	case core.RuleActionGroup:
		return yamlAction{Type: "group", Keys: a.GroupKeys, WindowSeconds: a.GroupWindowSeconds}
	case core.RuleActionStateTransition:
		return yamlAction{Type: "state_transition", Machine: a.Machine, ToState: a.ToState}
	case core.RuleActionApproval:
		return yamlAction{Type: "approval", Policy: a.ApprovalPolicy}
	default:
		return yamlAction{Type: "allow"}
	}
}
