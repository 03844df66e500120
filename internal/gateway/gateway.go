// Package gateway implements Acteon's dispatch pipeline: per-action
// distributed lock, enrichment, quota pre-check, rule evaluation,
// verdict application, provider execution, and audit emission.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/redaction"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/eval"
	"github.com/penserai/acteon/internal/executor"
	"github.com/penserai/acteon/internal/ext"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/pkg/tracing"
)

// ErrLockFailed is returned when the dispatch lock cannot be acquired in
// time. Retryable at the caller layer.
var ErrLockFailed = errors.New("gateway: dispatch lock acquisition failed")

// ErrProviderNotFound is returned when a Reroute verdict targets an
// unregistered provider.
var ErrProviderNotFound = errors.New("gateway: reroute target provider not found")

// EvaluationError wraps a rule-engine runtime failure.
type EvaluationError struct{ Cause error }

func (e *EvaluationError) Error() string { return "gateway: rule evaluation failed: " + e.Cause.Error() }
func (e *EvaluationError) Unwrap() error { return e.Cause }

// Config is the gateway option table. Zero fields take the documented
// defaults.
type Config struct {
	LockTTL         time.Duration     // default 30s
	LockWait        time.Duration     // default 5s
	Environment     map[string]string // exposed to rules as env/environment
	Timezone        *time.Location    // nil means UTC
	SyncAuditWrites bool
}

// Deps wires the gateway's collaborators. Store, Locks, Engine,
// Executor, and Registry are required; the rest are optional
// capabilities.
type Deps struct {
	Store    state.Store
	Locks    *state.Lock
	Engine   *rules.Engine
	Executor *executor.Executor
	Registry *executor.Registry
	Audit    audit.Store
	Counters *Counters
	Logger   *logging.Logger

	Quotas    *ext.QuotaManager
	Chains    *ext.ChainManager
	Groups    *ext.GroupManager
	Events    *ext.EventManager
	Scheduled *ext.ScheduledManager
	Approvals *ext.ApprovalManager

	Templates   *TemplateRegistry
	Enrichments []Enrichment
	Lookups     map[string]ResourceLookup

	Wasm       eval.WasmRuntime
	Embeddings eval.EmbeddingProvider
	Tracer     tracing.Tracer

	// ApprovalNotify delivers approval-pending notifications; the
	// gateway marks the approval notified when it returns nil.
	ApprovalNotify func(ext.PendingApproval) error
}

// Gateway is the per-action orchestration core. It is a plain value with
// no global state; multiple instances coexist.
type Gateway struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New builds a gateway, applying defaults for zero config fields.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Store == nil || deps.Locks == nil || deps.Engine == nil || deps.Executor == nil || deps.Registry == nil {
		return nil, fmt.Errorf("gateway: store, locks, engine, executor, and registry are required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if deps.Counters == nil {
		deps.Counters = NewCounters(nil)
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.NoopTracer
	}
	return &Gateway{cfg: cfg, deps: deps, now: time.Now}, nil
}

// Counters exposes the gateway's stable counters.
func (g *Gateway) Counters() *Counters { return g.deps.Counters }

// Engine exposes the rule engine for the admin surface.
func (g *Gateway) Engine() *rules.Engine { return g.deps.Engine }

// DispatchBatch dispatches sequentially, collecting one result per
// action.
func (g *Gateway) DispatchBatch(ctx context.Context, actions []core.Action) []BatchResult {
	out := make([]BatchResult, len(actions))
	for i, a := range actions {
		outcome, err := g.Dispatch(ctx, a)
		out[i] = BatchResult{Outcome: outcome, Err: err}
	}
	return out
}

// BatchResult pairs an outcome with a dispatch-level error.
type BatchResult struct {
	Outcome core.ActionOutcome
	Err     error
}

// Dispatch runs one action through the pipeline and returns its outcome.
// Infrastructure failures (lock, fail-closed enrichment, evaluation)
// surface as errors; logical dispositions are outcome variants.
func (g *Gateway) Dispatch(ctx context.Context, action core.Action) (core.ActionOutcome, error) {
	g.deps.Counters.Inc(MetricDispatched)
	ctx, finishSpan := g.deps.Tracer.StartSpan(ctx, "dispatch", map[string]string{
		"namespace":   action.Namespace,
		"tenant":      action.Tenant,
		"action_type": action.ActionType,
	})
	outcome, err := g.dispatch(ctx, action)
	finishSpan(err)
	return outcome, err
}

func (g *Gateway) dispatch(ctx context.Context, action core.Action) (core.ActionOutcome, error) {
	caller := logging.GetUserID(ctx)
	started := g.now()

	rec := &audit.Record{
		Namespace:    action.Namespace,
		Tenant:       action.Tenant,
		Provider:     action.Provider,
		ActionType:   action.ActionType,
		ActionID:     action.ID,
		Caller:       caller,
		DispatchedAt: started.UTC(),
	}

	lockStart := g.now()
	lockName := fmt.Sprintf("dispatch:%s:%s:%s", action.Namespace, action.Tenant, action.ID)
	guard, err := g.deps.Locks.Acquire(ctx, lockName, g.cfg.LockTTL, g.cfg.LockWait)
	if err != nil {
		return core.ActionOutcome{}, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	rec.Timings.LockWaitMs = g.now().Sub(lockStart).Milliseconds()
	defer func() {
		if err := guard.Release(ctx); err != nil && g.deps.Logger != nil {
			g.deps.Logger.WithError(err).WithFields(map[string]interface{}{"lock": lockName}).Warn("dispatch lock release failed")
		}
	}()

	action = action.Clone()

	enrichStart := g.now()
	if err := g.enrich(ctx, &action, rec); err != nil {
		rec.Timings.EnrichMs = g.now().Sub(enrichStart).Milliseconds()
		g.finish(ctx, rec, "enrichment_failed", err)
		return core.ActionOutcome{}, err
	}
	rec.Timings.EnrichMs = g.now().Sub(enrichStart).Milliseconds()

	// Quota pre-check between enrichment and rule evaluation.
	if outcome, stop, err := g.checkQuota(ctx, action, rec); err != nil {
		g.finish(ctx, rec, "failed", err)
		return core.ActionOutcome{}, err
	} else if stop {
		g.finish(ctx, rec, outcome.Kind.TypeName(), nil)
		return outcome, nil
	}

	evalStart := g.now()
	ectx := &eval.Context{
		Action:      action,
		State:       g.deps.Store,
		Events:      g.eventReader(),
		Environment: g.cfg.Environment,
		Now:         g.now().UTC(),
		Timezone:    g.cfg.Timezone,
		Wasm:        g.deps.Wasm,
		Embeddings:  g.deps.Embeddings,
	}
	evalCtx, finishEval := g.deps.Tracer.StartSpan(ctx, "rule.eval", nil)
	verdict, _, err := g.deps.Engine.Evaluate(evalCtx, ectx)
	finishEval(err)
	rec.Timings.EvalMs = g.now().Sub(evalStart).Milliseconds()
	if err != nil {
		g.deps.Counters.Inc(MetricFailed)
		everr := &EvaluationError{Cause: err}
		g.finish(ctx, rec, "failed", everr)
		return core.ActionOutcome{}, everr
	}
	rec.Verdict = verdict.Kind.TypeName()
	rec.MatchedRule = verdict.Rule

	execStart := g.now()
	outcome, err := g.applyVerdict(ctx, action, verdict)
	rec.Timings.ExecuteMs = g.now().Sub(execStart).Milliseconds()
	if err != nil {
		g.finish(ctx, rec, "failed", err)
		return core.ActionOutcome{}, err
	}

	g.countOutcome(outcome)
	g.finish(ctx, rec, outcome.Kind.TypeName(), nil)
	return outcome, nil
}

func (g *Gateway) eventReader() eval.EventReader {
	if g.deps.Events == nil {
		return nil
	}
	return g.deps.Events
}

// finish stamps the total time and emits the audit record. Audit write
// failures are logged and never change the outcome; Config.SyncAuditWrites
// is not consulted here. AsyncWriter already absorbs failures in async mode.
func (g *Gateway) finish(ctx context.Context, rec *audit.Record, outcome string, dispatchErr error) {
	rec.Outcome = outcome
	if dispatchErr != nil {
		// Provider and lookup errors can echo request material; scrub
		// secrets before the message becomes part of the immutable trail.
		rec.Error = redaction.RedactAll(dispatchErr.Error())
	}
	rec.Timings.TotalMs = g.now().Sub(rec.DispatchedAt).Milliseconds()
	if g.deps.Audit == nil {
		return
	}
	if err := g.deps.Audit.Record(ctx, rec); err != nil && g.deps.Logger != nil {
		g.deps.Logger.WithError(err).Warn("audit write failed")
	}
}

func (g *Gateway) countOutcome(outcome core.ActionOutcome) {
	switch outcome.Kind {
	case core.OutcomeExecuted:
		g.deps.Counters.Inc(MetricExecuted)
	case core.OutcomeSuppressed:
		g.deps.Counters.Inc(MetricSuppressed)
	case core.OutcomeDeduplicated:
		g.deps.Counters.Inc(MetricDeduplicated)
	case core.OutcomeRerouted:
		g.deps.Counters.Inc(MetricRerouted)
	case core.OutcomeThrottled:
		g.deps.Counters.Inc(MetricThrottled)
	case core.OutcomeFailed:
		g.deps.Counters.Inc(MetricFailed)
	case core.OutcomeScheduled:
		g.deps.Counters.Inc(MetricScheduled)
	case core.OutcomeGrouped:
		g.deps.Counters.Inc(MetricGrouped)
	}
}

// enrich runs every matching enrichment, merging lookup results under
// merge_key. FailOpen failures are recorded and skipped; FailClosed
// aborts the dispatch.
func (g *Gateway) enrich(ctx context.Context, action *core.Action, rec *audit.Record) error {
	for _, e := range g.deps.Enrichments {
		if !e.Filter.matches(*action) {
			continue
		}
		lookup, ok := g.deps.Lookups[e.Lookup]
		outcome := audit.EnrichmentOutcome{Name: e.Name}
		start := g.now()
		var result map[string]any
		var err error
		if !ok {
			err = fmt.Errorf("lookup %q is not registered", e.Lookup)
		} else {
			params := resolveParams(e.Params, *action)
			timeout := e.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			lctx, cancel := context.WithTimeout(ctx, timeout)
			result, err = lookup.Lookup(lctx, params)
			cancel()
		}
		outcome.Duration = g.now().Sub(start).Milliseconds()
		if err != nil {
			outcome.Error = err.Error()
			rec.Enrichments = append(rec.Enrichments, outcome)
			if e.OnError == FailClosed {
				return &enrichmentError{name: e.Name, cause: err}
			}
			continue
		}
		outcome.Success = true
		rec.Enrichments = append(rec.Enrichments, outcome)
		if action.Payload == nil {
			action.Payload = make(map[string]any)
		}
		if e.MergeKey != "" {
			action.Payload[e.MergeKey] = result
		} else {
			action.Payload = mergePatch(action.Payload, result)
		}
	}
	return nil
}

// checkQuota applies the (namespace, tenant) quota policy. Exhausted
// quotas block, defer, or pass through per the policy's overage
// behavior.
func (g *Gateway) checkQuota(ctx context.Context, action core.Action, rec *audit.Record) (core.ActionOutcome, bool, error) {
	if g.deps.Quotas == nil {
		return core.ActionOutcome{}, false, nil
	}
	decision, ok, err := g.deps.Quotas.Check(ctx, action.Namespace, action.Tenant)
	if err != nil {
		return core.ActionOutcome{}, false, fmt.Errorf("gateway: quota check: %w", err)
	}
	if !ok || !decision.Exceeded {
		return core.ActionOutcome{}, false, nil
	}
	rec.Verdict = "quota"
	rec.MatchedRule = decision.PolicyID
	switch decision.Overage {
	case ext.OverageDefer:
		if g.deps.Scheduled == nil {
			break
		}
		id, dueAt, err := g.deps.Scheduled.Schedule(ctx, action, time.Until(nextQuotaWindow(g.now())))
		if err != nil {
			return core.ActionOutcome{}, false, err
		}
		g.deps.Counters.Inc(MetricScheduled)
		return core.ActionOutcome{Kind: core.OutcomeScheduled, ScheduledActionID: id, DueAt: dueAt}, true, nil
	case ext.OverageAllow:
		return core.ActionOutcome{}, false, nil
	}
	g.deps.Counters.Inc(MetricSuppressed)
	return core.Suppressed("quota:" + decision.PolicyID), true, nil
}

// nextQuotaWindow defers to the top of the next hour, the shortest
// window boundary granularity.
func nextQuotaWindow(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(time.Hour)
}

func routingHash(action core.Action) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%s:%s:%s", action.Namespace, action.Tenant, action.Provider, action.ActionType)
	return fmt.Sprintf("%x", h.Sum64())
}
