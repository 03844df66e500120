package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ext"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []core.Action
	outcome core.ActionOutcome
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, action core.Action) (core.ActionOutcome, error) {
	d.mu.Lock()
	d.actions = append(d.actions, action)
	d.mu.Unlock()
	return d.outcome, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actions)
}

func baseAction(id string) core.Action {
	return core.Action{ID: id, Namespace: "prod", Tenant: "acme", Provider: "email", ActionType: "alert", Payload: map[string]any{}}
}

func TestProcessor_FlushDueGroups(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	groups := ext.NewGroupManager(store)

	events := make(chan GroupFlushEvent, 4)
	p := New(Config{}, Deps{Store: store, Groups: groups, GroupFlushed: events})
	p.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	_, err := groups.Add(ctx, baseAction("a-1"), []string{"action_type"}, 5*time.Minute)
	require.NoError(t, err)
	_, err = groups.Add(ctx, baseAction("a-2"), []string{"action_type"}, 5*time.Minute)
	require.NoError(t, err)

	p.FlushDueGroups(ctx)

	select {
	case ev := <-events:
		require.Len(t, ev.Group.Events, 2)
		assert.Equal(t, "a-1", ev.Group.Events[0].ActionID)
		assert.Equal(t, "a-2", ev.Group.Events[1].ActionID)
	default:
		t.Fatal("expected a group flush event")
	}

	// Second sweep finds nothing: the group is gone.
	p.FlushDueGroups(ctx)
	select {
	case <-events:
		t.Fatal("flush must be single-shot")
	default:
	}
}

func TestProcessor_ProcessEventTimeouts(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	events, err := ext.NewEventManager(store, []ext.Machine{{
		Name: "incident", States: []string{"open", "resolved"}, Initial: "open",
		Terminal: []string{"resolved"},
		Timeouts: map[string]ext.TimeoutSpec{"open": {After: time.Minute, TransitionTo: "resolved"}},
	}})
	require.NoError(t, err)

	fired := make(chan TimeoutEvent, 1)
	p := New(Config{}, Deps{Store: store, Events: events, TimeoutFired: fired})

	_, err = events.Transition(ctx, "prod", "acme", "fp-1", "incident", "open", "system")
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	p.ProcessTimeouts(ctx)

	select {
	case ev := <-fired:
		assert.Equal(t, "resolved", ev.Transition.To)
	default:
		t.Fatal("expected a timeout event")
	}

	st, ok, err := events.State(ctx, "prod", "acme", "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "resolved", st)
}

func TestProcessor_ChainStepTimeout(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	registry, err := ext.NewChainRegistry([]ext.ChainDefinition{{
		Name: "slow", StepTimeout: time.Minute,
		Steps: []ext.ChainStep{{Name: "one", Provider: "email"}},
	}})
	require.NoError(t, err)
	chains := ext.NewChainManager(store, registry, nil)

	timedOut := make(chan ChainTimeoutEvent, 1)
	p := New(Config{}, Deps{Store: store, Chains: chains, ChainTimedOut: timedOut})

	cs, err := chains.Start(ctx, baseAction("a-1"), "slow")
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	p.ProcessTimeouts(ctx)

	select {
	case ev := <-timedOut:
		assert.Equal(t, cs.ChainID, ev.ChainID)
	default:
		t.Fatal("expected a chain timeout event")
	}

	loaded, ok, err := chains.Load(ctx, "prod", "acme", cs.ChainID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ext.ChainTimedOut, loaded.Status)
}

func TestProcessor_DispatchDueScheduled(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	scheduled := ext.NewScheduledManager(store)
	dispatcher := &recordingDispatcher{outcome: core.Executed(core.SuccessResponse(nil))}

	p := New(Config{}, Deps{Store: store, Scheduled: scheduled, Dispatcher: dispatcher})

	_, _, err := scheduled.Schedule(ctx, baseAction("later"), 0)
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(time.Second) }
	p.DispatchDueScheduled(ctx)
	assert.Equal(t, 1, dispatcher.count())

	// The entry is consumed.
	p.DispatchDueScheduled(ctx)
	assert.Equal(t, 1, dispatcher.count())
}

func TestProcessor_DispatchDueRecurring(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	recurring := ext.NewRecurringManager(store)
	dispatcher := &recordingDispatcher{outcome: core.Executed(core.SuccessResponse(nil))}

	p := New(Config{}, Deps{Store: store, Recurring: recurring, Dispatcher: dispatcher})

	require.NoError(t, recurring.Set(ctx, ext.RecurringRule{
		ID: "hourly", CronSpec: "0 * * * *", Action: baseAction("digest"), Enabled: true,
	}))

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	p.DispatchDueRecurring(ctx)
	require.Equal(t, 1, dispatcher.count())
	assert.Contains(t, dispatcher.actions[0].ID, "digest@")
}

func TestProcessor_RetryApprovals(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(0)
	approvals, err := ext.NewApprovalManager(store, []ext.ApprovalPolicy{{Name: "manual", MinApprovals: 1, ExpiresAfter: time.Hour}})
	require.NoError(t, err)

	retry := make(chan ApprovalRetryEvent, 2)
	p := New(Config{}, Deps{Store: store, Approvals: approvals, ApprovalRetry: retry})

	pa, err := approvals.Create(ctx, baseAction("needs-ok"), "manual")
	require.NoError(t, err)

	p.RetryApprovals(ctx)
	select {
	case ev := <-retry:
		assert.Equal(t, pa.Token, ev.Approval.Token)
	default:
		t.Fatal("expected an approval retry event")
	}
}

func TestProcessor_StartStop(t *testing.T) {
	store := state.NewMemoryStore(0)
	p := New(Config{GroupFlushInterval: 10 * time.Millisecond}, Deps{Store: store})
	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Stop() // idempotent
}
