package ext

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
)

func approvalAction() core.Action {
	return core.Action{ID: "a-1", Namespace: "prod", Tenant: "acme", Provider: "cloud", ActionType: "delete-bucket"}
}

func TestApprovalManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	m, err := NewApprovalManager(store, []ApprovalPolicy{{
		Name: "two-person", Approvers: []string{"alice", "bob"}, MinApprovals: 2, ExpiresAfter: time.Hour,
	}})
	require.NoError(t, err)

	pa, err := m.Create(ctx, approvalAction(), "two-person")
	require.NoError(t, err)
	assert.NotEmpty(t, pa.Token)
	assert.Equal(t, ApprovalPending, pa.Status)
	assert.False(t, pa.NotificationSent)

	_, _, err = m.Approve(ctx, "prod", "acme", pa.Token, "mallory")
	assert.Error(t, err, "non-approver rejected")

	updated, satisfied, err := m.Approve(ctx, "prod", "acme", pa.Token, "alice")
	require.NoError(t, err)
	assert.False(t, satisfied)
	assert.Equal(t, ApprovalPending, updated.Status)

	updated, satisfied, err = m.Approve(ctx, "prod", "acme", pa.Token, "bob")
	require.NoError(t, err)
	assert.True(t, satisfied)
	assert.Equal(t, ApprovalApproved, updated.Status)
	assert.Equal(t, "a-1", updated.Action.ID)

	_, _, err = m.Approve(ctx, "prod", "acme", pa.Token, "alice")
	assert.Error(t, err, "terminal approval cannot be approved again")
}

func TestApprovalManager_Deny(t *testing.T) {
	ctx := context.Background()
	m, err := NewApprovalManager(state.NewMemoryStore(0), []ApprovalPolicy{{Name: "simple", MinApprovals: 1, ExpiresAfter: time.Hour}})
	require.NoError(t, err)

	pa, err := m.Create(ctx, approvalAction(), "simple")
	require.NoError(t, err)

	denied, err := m.Deny(ctx, "prod", "acme", pa.Token, "carol")
	require.NoError(t, err)
	assert.Equal(t, ApprovalDenied, denied.Status)
}

func TestApprovalManager_PendingRetries(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	m, err := NewApprovalManager(store, []ApprovalPolicy{{Name: "simple", MinApprovals: 1, ExpiresAfter: time.Hour}})
	require.NoError(t, err)

	first, err := m.Create(ctx, approvalAction(), "simple")
	require.NoError(t, err)
	second, err := m.Create(ctx, approvalAction(), "simple")
	require.NoError(t, err)

	require.NoError(t, m.MarkNotified(ctx, "prod", "acme", first.Token))

	pending, err := m.PendingRetries(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.Token, pending[0].Token)
}

func TestRetentionManager_Apply(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	r := NewRetentionManager(store)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	old, _ := jsonMarshal(map[string]any{"updated_at": now.Add(-72 * time.Hour)})
	fresh, _ := jsonMarshal(map[string]any{"updated_at": now.Add(-time.Hour)})
	require.NoError(t, store.Set(ctx, "prod:acme:event_state:old", old, 0))
	require.NoError(t, store.Set(ctx, "prod:acme:event_state:fresh", fresh, 0))
	require.NoError(t, store.Set(ctx, "prod:globex:event_state:other-tenant", old, 0))

	require.NoError(t, r.SetPolicy(RetentionPolicy{
		ID: "events-48h", Tenant: "acme", Kinds: []state.Kind{state.KindEventState},
		MaxAge: 48 * time.Hour, Enabled: true,
	}))

	deleted, err := r.Apply(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, ok, err := store.Get(ctx, "prod:acme:event_state:old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Get(ctx, "prod:acme:event_state:fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Get(ctx, "prod:globex:event_state:other-tenant")
	require.NoError(t, err)
	assert.True(t, ok, "policy is tenant-scoped")
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
