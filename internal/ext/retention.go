package ext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
)

// RetentionPolicy ages out state entries of the listed kinds.
// ComplianceHold is stored with the policy; the retention sweep does not
// read it and does not touch audit records.
type RetentionPolicy struct {
	ID             string        `json:"id" yaml:"id"`
	Namespace      string        `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Tenant         string        `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Kinds          []state.Kind  `json:"kinds" yaml:"kinds"`
	MaxAge         time.Duration `json:"max_age" yaml:"max_age"`
	ComplianceHold bool          `json:"compliance_hold" yaml:"compliance_hold"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
}

// RetentionManager applies retention policies over the state substrate.
// Entry age is read from the value's own timestamp fields; entries
// without a recognizable timestamp are left alone.
type RetentionManager struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	store    state.Store
	now      func() time.Time
}

func NewRetentionManager(store state.Store) *RetentionManager {
	return &RetentionManager{policies: make(map[string]RetentionPolicy), store: store, now: time.Now}
}

func (r *RetentionManager) SetPolicy(p RetentionPolicy) error {
	if p.ID == "" || len(p.Kinds) == 0 || p.MaxAge <= 0 {
		return fmt.Errorf("ext: retention policy needs id, kinds, and max_age")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = p
	return nil
}

func (r *RetentionManager) DeletePolicy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.policies[id]
	delete(r.policies, id)
	return ok
}

func (r *RetentionManager) Policy(id string) (RetentionPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	return p, ok
}

func (r *RetentionManager) Policies() []RetentionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RetentionPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out
}

// entryTimestamps mirrors the timestamp fields the stateful extensions
// serialize, in preference order.
type entryTimestamps struct {
	UpdatedAt time.Time `json:"updated_at"`
	AddedAt   time.Time `json:"added_at"`
	StartedAt time.Time `json:"started_at"`
	CreatedAt time.Time `json:"created_at"`
	DueAt     time.Time `json:"due_at"`
}

func (ts entryTimestamps) effective() time.Time {
	for _, t := range []time.Time{ts.UpdatedAt, ts.AddedAt, ts.StartedAt, ts.CreatedAt, ts.DueAt} {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// Apply sweeps every enabled policy once and returns how many entries
// were deleted.
func (r *RetentionManager) Apply(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	policies := make([]RetentionPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		if p.Enabled {
			policies = append(policies, p)
		}
	}
	r.mu.RUnlock()

	deleted := 0
	for _, p := range policies {
		for _, kind := range p.Kinds {
			kvs, err := r.store.ScanKeysByKind(ctx, kind)
			if err != nil {
				return deleted, err
			}
			for _, kv := range kvs {
				ns, tenant, _, _, ok := state.SplitCanonicalKey(kv.Key)
				if !ok {
					continue
				}
				if p.Namespace != "" && ns != p.Namespace {
					continue
				}
				if p.Tenant != "" && tenant != p.Tenant {
					continue
				}
				var ts entryTimestamps
				if err := json.Unmarshal(kv.Value, &ts); err != nil {
					continue
				}
				at := ts.effective()
				if at.IsZero() || now.Sub(at) < p.MaxAge {
					continue
				}
				if _, err := r.store.Delete(ctx, kv.Key); err == nil {
					deleted++
				}
			}
		}
	}
	return deleted, nil
}
