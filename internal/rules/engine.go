// Package rules implements Acteon's rule engine: an ordered rule set
// loaded through pluggable frontends and evaluated against an action to
// produce a verdict plus a structured trace.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/eval"
	"github.com/penserai/acteon/internal/ir"
)

// RuleTrace is the per-rule evaluation record returned alongside every
// verdict, consumed by the playground and the MCP surface.
type RuleTrace struct {
	Rule     string        `json:"rule"`
	Matched  bool          `json:"matched"`
	Skipped  bool          `json:"skipped"`
	Errored  bool          `json:"errored"`
	Error    string        `json:"error,omitempty"`
	EvalTime time.Duration `json:"eval_time"`
}

// Engine holds the rule set pre-sorted by (priority asc, name asc) and
// evaluates actions against it. Reload swaps the whole set atomically;
// readers observe a consistent snapshot for one evaluation.
type Engine struct {
	mu    sync.RWMutex
	rules []core.Rule
}

// NewEngine builds an engine over the given rules. Conditions are
// optimized once at load; the optimizer preserves observable semantics.
func NewEngine(ruleSet []core.Rule) *Engine {
	e := &Engine{}
	e.Reload(ruleSet)
	return e
}

// Reload atomically replaces the rule set. The incoming slice is copied,
// sorted, and each condition run through the optimizer.
func (e *Engine) Reload(ruleSet []core.Rule) {
	next := make([]core.Rule, len(ruleSet))
	copy(next, ruleSet)
	core.SortRules(next)
	for i := range next {
		if next[i].Condition != nil {
			next[i].Condition = ir.Optimize(next[i].Condition)
		}
	}
	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
}

// Rules returns a snapshot copy of the current rule set.
func (e *Engine) Rules() []core.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]core.Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Enable marks the named rule enabled in place. Returns false if the
// rule does not exist.
func (e *Engine) Enable(name string) bool { return e.setEnabled(name, true) }

// Disable marks the named rule disabled in place.
func (e *Engine) Disable(name string) bool { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].Name == name {
			e.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Evaluate walks enabled rules in order and returns the verdict of the
// first truthy condition, the default Allow when nothing matches, and a
// trace covering every rule visited.
//
// An UndefinedVariable error from a condition counts as "did not match":
// state reads on absent keys are expected during normal operation. Any
// other evaluation error aborts the evaluation with that error.
func (e *Engine) Evaluate(goCtx context.Context, ectx *eval.Context) (core.RuleVerdict, []RuleTrace, error) {
	e.mu.RLock()
	snapshot := e.rules
	e.mu.RUnlock()

	traces := make([]RuleTrace, 0, len(snapshot))
	for _, r := range snapshot {
		if !r.Enabled {
			traces = append(traces, RuleTrace{Rule: r.Name, Skipped: true})
			continue
		}
		start := time.Now()
		v, err := eval.Eval(goCtx, r.Condition, ectx)
		elapsed := time.Since(start)
		if err != nil {
			var undef *ir.UndefinedVariableError
			if errors.As(err, &undef) {
				traces = append(traces, RuleTrace{Rule: r.Name, Errored: true, Error: err.Error(), EvalTime: elapsed})
				continue
			}
			traces = append(traces, RuleTrace{Rule: r.Name, Errored: true, Error: err.Error(), EvalTime: elapsed})
			return core.RuleVerdict{}, traces, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if v.Truthy() {
			traces = append(traces, RuleTrace{Rule: r.Name, Matched: true, EvalTime: elapsed})
			return r.Action.ToVerdict(r.Name), traces, nil
		}
		traces = append(traces, RuleTrace{Rule: r.Name, EvalTime: elapsed})
	}
	return core.Allow(), traces, nil
}
