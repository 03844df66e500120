package ext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/infrastructure/utils"
	"github.com/penserai/acteon/internal/core"
)

// ApprovalPolicy gates actions behind human sign-off.
type ApprovalPolicy struct {
	Name         string        `json:"name" yaml:"name"`
	Approvers    []string      `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	MinApprovals int           `json:"min_approvals" yaml:"min_approvals"`
	ExpiresAfter time.Duration `json:"expires_after" yaml:"expires_after"`
}

// ApprovalStatus is the pending approval lifecycle.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// PendingApproval is the durable record of an action awaiting sign-off.
type PendingApproval struct {
	Token            string         `json:"token"`
	Action           core.Action    `json:"action"`
	Policy           string         `json:"policy"`
	Status           ApprovalStatus `json:"status"`
	Approvals        []string       `json:"approvals,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	NotificationSent bool           `json:"notification_sent"`
}

// ApprovalManager persists pending approvals under kind approval with
// the policy expiry as TTL; expired entries vanish from reads.
type ApprovalManager struct {
	mu       sync.RWMutex
	policies map[string]ApprovalPolicy
	store    state.Store
	now      func() time.Time
}

func NewApprovalManager(store state.Store, policies []ApprovalPolicy) (*ApprovalManager, error) {
	m := &ApprovalManager{policies: make(map[string]ApprovalPolicy, len(policies)), store: store, now: time.Now}
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("ext: approval policy needs a name")
		}
		if p.MinApprovals <= 0 {
			p.MinApprovals = 1
		}
		if p.ExpiresAfter <= 0 {
			p.ExpiresAfter = 24 * time.Hour
		}
		m.policies[p.Name] = p
	}
	return m, nil
}

// SetPolicy adds or replaces a policy at runtime.
func (m *ApprovalManager) SetPolicy(p ApprovalPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Name] = p
}

func approvalKey(namespace, tenant, token string) string {
	return state.CanonicalKey(namespace, tenant, state.KindApproval, token)
}

// Create persists a pending approval for the action and returns it. The
// caller is responsible for delivering the notification and then calling
// MarkNotified.
func (m *ApprovalManager) Create(ctx context.Context, action core.Action, policyName string) (PendingApproval, error) {
	m.mu.RLock()
	policy, ok := m.policies[policyName]
	m.mu.RUnlock()
	if !ok {
		return PendingApproval{}, fmt.Errorf("ext: approval policy %q is not defined", policyName)
	}
	now := m.now().UTC()
	pa := PendingApproval{
		Token:     uuid.NewString(),
		Action:    action,
		Policy:    policyName,
		Status:    ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(policy.ExpiresAfter),
	}
	raw, err := json.Marshal(pa)
	if err != nil {
		return PendingApproval{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	key := approvalKey(action.Namespace, action.Tenant, pa.Token)
	if err := m.store.Set(ctx, key, raw, policy.ExpiresAfter); err != nil {
		return PendingApproval{}, err
	}
	return pa, nil
}

// Get loads a pending approval by token.
func (m *ApprovalManager) Get(ctx context.Context, namespace, tenant, token string) (PendingApproval, uint64, bool, error) {
	raw, version, ok, err := m.store.GetVersioned(ctx, approvalKey(namespace, tenant, token))
	if err != nil || !ok {
		return PendingApproval{}, 0, false, err
	}
	var pa PendingApproval
	if err := json.Unmarshal(raw, &pa); err != nil {
		return PendingApproval{}, 0, false, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	return pa, version, true, nil
}

// Approve records one approver's sign-off. When the policy's
// min_approvals is met the status moves to approved and the origin
// action is returned for re-dispatch (satisfied=true).
func (m *ApprovalManager) Approve(ctx context.Context, namespace, tenant, token, approver string) (PendingApproval, bool, error) {
	pa, version, ok, err := m.Get(ctx, namespace, tenant, token)
	if err != nil {
		return PendingApproval{}, false, err
	}
	if !ok {
		return PendingApproval{}, false, fmt.Errorf("ext: approval %s not found or expired", token)
	}
	if pa.Status != ApprovalPending {
		return pa, false, fmt.Errorf("ext: approval %s is already %s", token, pa.Status)
	}
	m.mu.RLock()
	policy := m.policies[pa.Policy]
	m.mu.RUnlock()
	if len(policy.Approvers) > 0 && !utils.Contains(policy.Approvers, approver) {
		return pa, false, fmt.Errorf("ext: %s is not an approver for policy %s", approver, pa.Policy)
	}
	if utils.Contains(pa.Approvals, approver) {
		return pa, false, nil
	}
	pa.Approvals = append(pa.Approvals, approver)
	satisfied := len(pa.Approvals) >= policy.MinApprovals
	if satisfied {
		pa.Status = ApprovalApproved
	}
	raw, _ := json.Marshal(pa)
	ttl := pa.ExpiresAt.Sub(m.now().UTC())
	swapped, _, err := m.store.CompareAndSwap(ctx, approvalKey(namespace, tenant, token), version, raw, ttl)
	if err != nil {
		return pa, false, err
	}
	if !swapped {
		return pa, false, fmt.Errorf("ext: concurrent approval update on %s", token)
	}
	return pa, satisfied, nil
}

// Deny terminates the approval.
func (m *ApprovalManager) Deny(ctx context.Context, namespace, tenant, token, approver string) (PendingApproval, error) {
	pa, version, ok, err := m.Get(ctx, namespace, tenant, token)
	if err != nil {
		return PendingApproval{}, err
	}
	if !ok {
		return PendingApproval{}, fmt.Errorf("ext: approval %s not found or expired", token)
	}
	if pa.Status != ApprovalPending {
		return pa, fmt.Errorf("ext: approval %s is already %s", token, pa.Status)
	}
	pa.Status = ApprovalDenied
	pa.Approvals = append(pa.Approvals, approver)
	raw, _ := json.Marshal(pa)
	ttl := pa.ExpiresAt.Sub(m.now().UTC())
	if _, _, err := m.store.CompareAndSwap(ctx, approvalKey(namespace, tenant, token), version, raw, ttl); err != nil {
		return pa, err
	}
	return pa, nil
}

// MarkNotified flags that the approval notification went out.
func (m *ApprovalManager) MarkNotified(ctx context.Context, namespace, tenant, token string) error {
	pa, version, ok, err := m.Get(ctx, namespace, tenant, token)
	if err != nil || !ok {
		return err
	}
	pa.NotificationSent = true
	raw, _ := json.Marshal(pa)
	ttl := pa.ExpiresAt.Sub(m.now().UTC())
	_, _, err = m.store.CompareAndSwap(ctx, approvalKey(namespace, tenant, token), version, raw, ttl)
	return err
}

// PendingRetries returns approvals still awaiting their notification,
// for the background retry sweep.
func (m *ApprovalManager) PendingRetries(ctx context.Context, now time.Time) ([]PendingApproval, error) {
	kvs, err := m.store.ScanKeysByKind(ctx, state.KindApproval)
	if err != nil {
		return nil, err
	}
	var out []PendingApproval
	for _, kv := range kvs {
		var pa PendingApproval
		if err := json.Unmarshal(kv.Value, &pa); err != nil {
			continue
		}
		if pa.Status == ApprovalPending && !pa.NotificationSent && pa.ExpiresAt.After(now) {
			out = append(out, pa)
		}
	}
	return out, nil
}
