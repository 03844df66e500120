package ext

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
)

// QuotaWindow is the usage accounting window.
type QuotaWindow string

const (
	WindowHourly  QuotaWindow = "hourly"
	WindowDaily   QuotaWindow = "daily"
	WindowWeekly  QuotaWindow = "weekly"
	WindowMonthly QuotaWindow = "monthly"
	WindowCustom  QuotaWindow = "custom"
)

// OverageBehavior selects what happens once the quota is exhausted.
type OverageBehavior string

const (
	OverageBlock OverageBehavior = "block"
	OverageDefer OverageBehavior = "defer"
	OverageAllow OverageBehavior = "allow"
)

// QuotaPolicy caps actions per (namespace, tenant) per window.
type QuotaPolicy struct {
	ID            string            `json:"id" yaml:"id"`
	Namespace     string            `json:"namespace" yaml:"namespace"`
	Tenant        string            `json:"tenant" yaml:"tenant"`
	MaxActions    int64             `json:"max_actions" yaml:"max_actions"`
	Window        QuotaWindow       `json:"window" yaml:"window"`
	CustomSeconds int64             `json:"custom_seconds,omitempty" yaml:"custom_seconds,omitempty"`
	Overage       OverageBehavior   `json:"overage" yaml:"overage"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// windowLength returns the window duration.
func (p QuotaPolicy) windowLength() time.Duration {
	switch p.Window {
	case WindowHourly:
		return time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	case WindowCustom:
		return time.Duration(p.CustomSeconds) * time.Second
	default:
		return time.Hour
	}
}

// windowBoundary returns a stable identifier for the window containing
// now, so all nodes increment the same usage counter.
func (p QuotaPolicy) windowBoundary(now time.Time) string {
	now = now.UTC()
	switch p.Window {
	case WindowHourly:
		return now.Format("2006010215")
	case WindowDaily:
		return now.Format("20060102")
	case WindowWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%dW%02d", year, week)
	case WindowMonthly:
		return now.Format("200601")
	case WindowCustom:
		secs := p.CustomSeconds
		if secs <= 0 {
			secs = 3600
		}
		return fmt.Sprintf("c%d", now.Unix()/secs)
	default:
		return now.Format("2006010215")
	}
}

// QuotaDecision is the result of a quota check.
type QuotaDecision struct {
	PolicyID string
	Exceeded bool
	Overage  OverageBehavior
	Usage    int64
	Limit    int64
}

// QuotaManager holds policies (admin-CRUD, in-memory) and accounts usage
// through atomic counters in the state substrate. Deferred overage
// consumes the quota at deferral time, keeping the counter monotonic
// with accepted actions.
type QuotaManager struct {
	mu       sync.RWMutex
	policies map[string]QuotaPolicy
	store    state.Store
	now      func() time.Time
}

func NewQuotaManager(store state.Store) *QuotaManager {
	return &QuotaManager{policies: make(map[string]QuotaPolicy), store: store, now: time.Now}
}

// SetPolicy adds or replaces a policy.
func (q *QuotaManager) SetPolicy(p QuotaPolicy) error {
	if p.ID == "" {
		return fmt.Errorf("ext: quota policy needs an id")
	}
	if p.MaxActions <= 0 {
		return fmt.Errorf("ext: quota policy %q needs max_actions > 0", p.ID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policies[p.ID] = p
	return nil
}

// DeletePolicy removes a policy by id.
func (q *QuotaManager) DeletePolicy(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.policies[id]
	delete(q.policies, id)
	return ok
}

// Policy returns one policy by id.
func (q *QuotaManager) Policy(id string) (QuotaPolicy, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.policies[id]
	return p, ok
}

// Policies returns a snapshot of all policies.
func (q *QuotaManager) Policies() []QuotaPolicy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]QuotaPolicy, 0, len(q.policies))
	for _, p := range q.policies {
		out = append(out, p)
	}
	return out
}

// policyFor finds the enabled policy scoped to (namespace, tenant). A
// policy with an empty namespace or tenant matches any value.
func (q *QuotaManager) policyFor(namespace, tenant string) (QuotaPolicy, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var best QuotaPolicy
	found := false
	for _, p := range q.policies {
		if !p.Enabled {
			continue
		}
		if p.Namespace != "" && p.Namespace != namespace {
			continue
		}
		if p.Tenant != "" && p.Tenant != tenant {
			continue
		}
		// Prefer the most specific match.
		if !found || specificity(p) > specificity(best) {
			best = p
			found = true
		}
	}
	return best, found
}

func specificity(p QuotaPolicy) int {
	n := 0
	if p.Namespace != "" {
		n++
	}
	if p.Tenant != "" {
		n++
	}
	return n
}

// Check increments the usage counter for the current window and returns
// the decision. With no applicable policy it returns ok=false.
func (q *QuotaManager) Check(ctx context.Context, namespace, tenant string) (QuotaDecision, bool, error) {
	policy, ok := q.policyFor(namespace, tenant)
	if !ok {
		return QuotaDecision{}, false, nil
	}
	now := q.now()
	id := policy.ID + ":" + policy.windowBoundary(now)
	key := state.CanonicalKey(namespace, tenant, state.KindQuotaUsage, id)
	usage, err := q.store.Increment(ctx, key, 1, policy.windowLength())
	if err != nil {
		return QuotaDecision{}, false, err
	}
	return QuotaDecision{
		PolicyID: policy.ID,
		Exceeded: usage > policy.MaxActions,
		Overage:  policy.Overage,
		Usage:    usage,
		Limit:    policy.MaxActions,
	}, true, nil
}

// Usage reads the current window's usage without incrementing.
func (q *QuotaManager) Usage(ctx context.Context, policyID, namespace, tenant string) (int64, error) {
	policy, ok := q.Policy(policyID)
	if !ok {
		return 0, fmt.Errorf("ext: quota policy %q not found", policyID)
	}
	id := policy.ID + ":" + policy.windowBoundary(q.now())
	key := state.CanonicalKey(namespace, tenant, state.KindQuotaUsage, id)
	raw, _, ok, err := q.store.GetVersioned(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(string(raw), "%d", &n); err != nil {
		return 0, fmt.Errorf("%w: quota usage at %s is not numeric", state.ErrSerialization, key)
	}
	return n, nil
}
