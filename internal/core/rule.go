package core

import (
	"time"

	"github.com/penserai/acteon/internal/ir"
)

// RuleActionKind discriminates the RuleAction tagged union, the
// un-evaluated counterpart of RuleVerdict.
type RuleActionKind int

const (
	RuleActionAllow RuleActionKind = iota
	RuleActionDeny
	RuleActionSuppress
	RuleActionDeduplicate
	RuleActionThrottle
	RuleActionReroute
	RuleActionModify
	RuleActionChain
	RuleActionSchedule
	RuleActionGroup
	RuleActionStateTransition
	RuleActionApproval
)

// RuleAction is the configured action a rule takes when its condition is
// truthy; translated to a RuleVerdict during evaluation.
type RuleAction struct {
	Kind RuleActionKind

	DedupTTLSeconds *uint64 // Deduplicate

	ThrottleMax    int    // Throttle
	ThrottleWindow uint64 // Throttle, seconds

	TargetProvider string // Reroute

	Patch map[string]any // Modify

	ChainName string // Chain

	ScheduleDelaySeconds uint64 // Schedule

	GroupKeys         []string // Group
	GroupWindowSeconds uint64  // Group

	Machine string // StateTransition
	ToState string // StateTransition

	ApprovalPolicy string // Approval
}

// RuleSource records where a rule definition came from, for reload/audit.
type RuleSource struct {
	File   string // empty when Inline
	Inline bool
}

// Rule is one entry in the engine's ordered rule set.
type Rule struct {
	Name      string
	Priority  int32
	Enabled   bool
	Condition *ir.Expr
	Action    RuleAction
	Source    RuleSource
	Version   int
	Labels    map[string]string
}

// SortRules orders the rule slice by (priority asc, name asc).
func SortRules(rules []Rule) {
	// Simple insertion sort keeps this dependency-free and is fine at the
	// rule-set sizes this engine is designed for (hundreds, not millions).
	for i := 1; i < len(rules); i++ {
		j := i
		for j > 0 && rulesLess(rules[j], rules[j-1]) {
			rules[j], rules[j-1] = rules[j-1], rules[j]
			j--
		}
	}
}

func rulesLess(a, b Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}

// ToVerdict translates a matched RuleAction into the corresponding
// RuleVerdict, tagging it with the matched rule's name.
func (ra RuleAction) ToVerdict(ruleName string) RuleVerdict {
	v := RuleVerdict{Kind: VerdictKind(ra.Kind), Rule: ruleName}
	switch ra.Kind {
	case RuleActionDeduplicate:
		if ra.DedupTTLSeconds != nil {
			v.DedupTTL = time.Duration(*ra.DedupTTLSeconds) * time.Second
		}
	case RuleActionThrottle:
		v.ThrottleMax = ra.ThrottleMax
		v.ThrottleWindow = time.Duration(ra.ThrottleWindow) * time.Second
	case RuleActionReroute:
		v.TargetProvider = ra.TargetProvider
	case RuleActionModify:
		v.Patch = ra.Patch
	case RuleActionChain:
		v.ChainName = ra.ChainName
	case RuleActionSchedule:
		v.ScheduleDelay = time.Duration(ra.ScheduleDelaySeconds) * time.Second
	case RuleActionGroup:
		v.GroupKeys = ra.GroupKeys
		v.GroupWindow = time.Duration(ra.GroupWindowSeconds) * time.Second
	case RuleActionStateTransition:
		v.Machine = ra.Machine
		v.ToState = ra.ToState
	case RuleActionApproval:
		v.ApprovalPolicy = ra.ApprovalPolicy
	}
	return v
}
