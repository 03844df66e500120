package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ext"
)

// applyVerdict executes the verdict state machine.
func (g *Gateway) applyVerdict(ctx context.Context, action core.Action, verdict core.RuleVerdict) (core.ActionOutcome, error) {
	switch verdict.Kind {
	case core.VerdictAllow:
		return g.execute(ctx, action), nil

	case core.VerdictDeny, core.VerdictSuppress:
		return core.Suppressed(verdict.Rule), nil

	case core.VerdictDeduplicate:
		ttl := verdict.DedupTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		key := state.CanonicalKey(action.Namespace, action.Tenant, state.KindDedup, action.EffectiveDedupKey())
		created, err := g.deps.Store.CheckAndSet(ctx, key, []byte("1"), ttl)
		if err != nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: dedup admission: %w", err)
		}
		if !created {
			return core.Deduplicated(), nil
		}
		return g.execute(ctx, action), nil

	case core.VerdictThrottle:
		window := verdict.ThrottleWindow
		if window <= 0 {
			window = time.Minute
		}
		key := state.CanonicalKey(action.Namespace, action.Tenant, state.KindThrottle, routingHash(action))
		count, err := g.deps.Store.Increment(ctx, key, 1, window)
		if err != nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: throttle counter: %w", err)
		}
		if count > int64(verdict.ThrottleMax) {
			return core.Throttled(window), nil
		}
		return g.execute(ctx, action), nil

	case core.VerdictReroute:
		if _, ok := g.deps.Registry.Get(verdict.TargetProvider); !ok {
			return core.ActionOutcome{}, fmt.Errorf("%w: %q", ErrProviderNotFound, verdict.TargetProvider)
		}
		original := action.Provider
		action.Provider = verdict.TargetProvider
		outcome := g.execute(ctx, action)
		if outcome.Kind != core.OutcomeExecuted {
			return outcome, nil
		}
		return core.ActionOutcome{
			Kind:             core.OutcomeRerouted,
			OriginalProvider: original,
			NewProvider:      verdict.TargetProvider,
			RerouteResponse:  outcome.Response,
		}, nil

	case core.VerdictModify:
		action.Payload = mergePatch(action.Payload, verdict.Patch)
		return g.execute(ctx, action), nil

	case core.VerdictChain:
		if g.deps.Chains == nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: chain verdict without a chain manager")
		}
		cs, err := g.deps.Chains.Start(ctx, action, verdict.ChainName)
		if err != nil {
			return core.ActionOutcome{}, err
		}
		def, _ := g.deps.Chains.Definition(verdict.ChainName)
		steps := def.StepNames()
		first := ""
		if len(steps) > 0 {
			first = steps[0]
		}
		return core.ActionOutcome{
			Kind:      core.OutcomeChainStarted,
			ChainID:   cs.ChainID,
			ChainName: cs.ChainName,
			Steps:     steps,
			FirstStep: first,
		}, nil

	case core.VerdictSchedule:
		if g.deps.Scheduled == nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: schedule verdict without a scheduled manager")
		}
		id, dueAt, err := g.deps.Scheduled.Schedule(ctx, action, verdict.ScheduleDelay)
		if err != nil {
			return core.ActionOutcome{}, err
		}
		return core.ActionOutcome{Kind: core.OutcomeScheduled, ScheduledActionID: id, DueAt: dueAt}, nil

	case core.VerdictGroup:
		if g.deps.Groups == nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: group verdict without a group manager")
		}
		group, err := g.deps.Groups.Add(ctx, action, verdict.GroupKeys, verdict.GroupWindow)
		if err != nil {
			return core.ActionOutcome{}, err
		}
		return core.ActionOutcome{
			Kind:      core.OutcomeGrouped,
			GroupID:   group.GroupID,
			GroupSize: len(group.Events),
			NotifyAt:  group.NotifyAt,
		}, nil

	case core.VerdictStateTransition:
		if g.deps.Events == nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: state_transition verdict without an event manager")
		}
		fp := action.Metadata["fingerprint"]
		if fp == "" {
			fp = ext.Fingerprint(action, nil)
		}
		res, err := g.deps.Events.Transition(ctx, action.Namespace, action.Tenant, fp, verdict.Machine, verdict.ToState, action.ID)
		if err != nil {
			return core.ActionOutcome{}, err
		}
		return core.ActionOutcome{
			Kind:        core.OutcomeStateChanged,
			Fingerprint: res.Fingerprint,
			FromState:   res.From,
			ToState:     res.To,
			Notify:      res.Notify,
		}, nil

	case core.VerdictApproval:
		if g.deps.Approvals == nil {
			return core.ActionOutcome{}, fmt.Errorf("gateway: approval verdict without an approval manager")
		}
		pa, err := g.deps.Approvals.Create(ctx, action, verdict.ApprovalPolicy)
		if err != nil {
			return core.ActionOutcome{}, err
		}
		if g.deps.ApprovalNotify != nil {
			if err := g.deps.ApprovalNotify(pa); err == nil {
				_ = g.deps.Approvals.MarkNotified(ctx, action.Namespace, action.Tenant, pa.Token)
			}
		}
		return core.ActionOutcome{
			Kind:              core.OutcomeApprovalPending,
			ApprovalToken:     pa.Token,
			ApprovalExpiresAt: pa.ExpiresAt,
		}, nil

	default:
		return core.ActionOutcome{}, fmt.Errorf("gateway: unhandled verdict kind %d", verdict.Kind)
	}
}

// execute renders any template profile and hands the action to the
// executor.
func (g *Gateway) execute(ctx context.Context, action core.Action) core.ActionOutcome {
	g.deps.Templates.Render(&action)
	ctx, finish := g.deps.Tracer.StartSpan(ctx, "executor.execute", map[string]string{"provider": action.Provider})
	outcome := g.deps.Executor.Execute(ctx, action, action.Provider)
	if outcome.Kind == core.OutcomeFailed && outcome.Err != nil {
		finish(outcome.Err)
	} else {
		finish(nil)
	}
	return outcome
}
