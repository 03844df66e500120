package ext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/infrastructure/state"
)

func incidentMachine() Machine {
	return Machine{
		Name:     "incident",
		States:   []string{"open", "acknowledged", "resolved"},
		Initial:  "open",
		Terminal: []string{"resolved"},
		Timeouts: map[string]TimeoutSpec{
			"open": {After: 30 * time.Minute, TransitionTo: "resolved"},
		},
		NotifyOn: []string{"resolved"},
	}
}

func TestEventManager_Transition(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	m, err := NewEventManager(store, []Machine{incidentMachine()})
	require.NoError(t, err)

	res, err := m.Transition(ctx, "prod", "acme", "fp-1", "incident", "acknowledged", "oncall")
	require.NoError(t, err)
	assert.Equal(t, "open", res.From)
	assert.Equal(t, "acknowledged", res.To)
	assert.False(t, res.Notify)

	st, ok, err := m.State(ctx, "prod", "acme", "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acknowledged", st)

	res, err = m.Transition(ctx, "prod", "acme", "fp-1", "incident", "resolved", "oncall")
	require.NoError(t, err)
	assert.True(t, res.Notify)

	_, err = m.Transition(ctx, "prod", "acme", "fp-1", "incident", "bogus", "oncall")
	assert.Error(t, err)
}

func TestEventManager_TimeoutArmAndProcess(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	m, err := NewEventManager(store, []Machine{incidentMachine()})
	require.NoError(t, err)

	// Transitioning into "open" arms its 30m timeout.
	_, err = m.Transition(ctx, "prod", "acme", "fp-2", "incident", "open", "system")
	require.NoError(t, err)

	expired, err := store.GetExpiredTimeouts(ctx, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	res, processed, err := m.ProcessTimeout(ctx, expired[0])
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, "open", res.From)
	assert.Equal(t, "resolved", res.To)
	assert.True(t, res.Notify)

	st, ok, err := m.State(ctx, "prod", "acme", "fp-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "resolved", st)

	// The index entry is consumed.
	expired, err = store.GetExpiredTimeouts(ctx, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, expired)

	// A consumed timeout is a no-op on reprocessing.
	_, processed, err = m.ProcessTimeout(ctx, "prod:acme:event_timeout:fp-2")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestEventManager_ActiveEventExists(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	m, err := NewEventManager(store, []Machine{incidentMachine()})
	require.NoError(t, err)

	require.NoError(t, m.SetEventMeta(ctx, "prod", "acme", "fp-3", "incident", "disk-full", "host-a"))

	ok, err := m.ActiveEventExists(ctx, "prod", "acme", "disk-full", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	label := "host-b"
	ok, err = m.ActiveEventExists(ctx, "prod", "acme", "disk-full", &label)
	require.NoError(t, err)
	assert.False(t, ok)

	// Terminal states are not active.
	_, err = m.Transition(ctx, "prod", "acme", "fp-3", "incident", "resolved", "system")
	require.NoError(t, err)
	ok, err = m.ActiveEventExists(ctx, "prod", "acme", "disk-full", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
