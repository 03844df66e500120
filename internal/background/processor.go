// Package background runs Acteon's periodic sweeps: group flush, event
// timeouts, state cleanup, scheduled-due dispatch, recurring rules,
// retention, and approval notification retries.
//
// One Processor runs per instance. Tickers are independent; no causal
// ordering is assumed between them. Event emission channels are optional
// and non-blocking: a full or absent receiver drops the event.
package background

import (
	"context"
	"strings"
	"time"

	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ext"
)

// Dispatcher re-enters due scheduled actions into the gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, action core.Action) (core.ActionOutcome, error)
}

// GroupFlushEvent is emitted when a group's window closes.
type GroupFlushEvent struct {
	Group ext.EventGroup
}

// TimeoutEvent is emitted when an event state machine times out.
type TimeoutEvent struct {
	Transition ext.TransitionResult
}

// ApprovalRetryEvent asks consumers to re-deliver an approval
// notification.
type ApprovalRetryEvent struct {
	Approval ext.PendingApproval
}

// ChainTimeoutEvent is emitted when a chain step deadline expires.
type ChainTimeoutEvent struct {
	Namespace string
	Tenant    string
	ChainID   string
}

// Config sets the sweep intervals. Zero intervals disable the opt-in
// sweeps; the three core tickers fall back to defaults.
type Config struct {
	GroupFlushInterval     time.Duration
	TimeoutCheckInterval   time.Duration
	CleanupInterval        time.Duration
	ScheduledCheckInterval time.Duration
	RecurringInterval      time.Duration
	RetentionInterval      time.Duration
	ApprovalRetryInterval  time.Duration
}

// DefaultConfig enables the three core tickers only.
func DefaultConfig() Config {
	return Config{
		GroupFlushInterval:   10 * time.Second,
		TimeoutCheckInterval: 10 * time.Second,
		CleanupInterval:      time.Minute,
	}
}

// Deps wires the processor's collaborators. Optional managers may be
// nil; their sweeps become no-ops.
type Deps struct {
	Store      state.Store
	Groups     *ext.GroupManager
	Events     *ext.EventManager
	Chains     *ext.ChainManager
	Scheduled  *ext.ScheduledManager
	Recurring  *ext.RecurringManager
	Retention  *ext.RetentionManager
	Approvals  *ext.ApprovalManager
	Dispatcher Dispatcher
	Logger     *logging.Logger

	GroupFlushed  chan<- GroupFlushEvent
	TimeoutFired  chan<- TimeoutEvent
	ApprovalRetry chan<- ApprovalRetryEvent
	ChainTimedOut chan<- ChainTimeoutEvent
}

// Processor is the single long-running background task per instance.
type Processor struct {
	cfg  Config
	deps Deps
	done chan struct{}
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Processor {
	def := DefaultConfig()
	if cfg.GroupFlushInterval <= 0 {
		cfg.GroupFlushInterval = def.GroupFlushInterval
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = def.TimeoutCheckInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Processor{cfg: cfg, deps: deps, done: make(chan struct{}), now: time.Now}
}

// Start launches the ticker loop. Stop signals shutdown.
func (p *Processor) Start() {
	go p.run()
}

// Stop signals the run loop to exit. Safe to call once.
func (p *Processor) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Processor) run() {
	groupTicker := time.NewTicker(p.cfg.GroupFlushInterval)
	timeoutTicker := time.NewTicker(p.cfg.TimeoutCheckInterval)
	cleanupTicker := time.NewTicker(p.cfg.CleanupInterval)
	defer groupTicker.Stop()
	defer timeoutTicker.Stop()
	defer cleanupTicker.Stop()

	optional := func(d time.Duration) *time.Ticker {
		if d <= 0 {
			// Parked ticker: never fires within any realistic process
			// lifetime.
			return time.NewTicker(24 * 365 * time.Hour)
		}
		return time.NewTicker(d)
	}
	scheduledTicker := optional(p.cfg.ScheduledCheckInterval)
	recurringTicker := optional(p.cfg.RecurringInterval)
	retentionTicker := optional(p.cfg.RetentionInterval)
	approvalTicker := optional(p.cfg.ApprovalRetryInterval)
	defer scheduledTicker.Stop()
	defer recurringTicker.Stop()
	defer retentionTicker.Stop()
	defer approvalTicker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-p.done:
			return
		case <-groupTicker.C:
			p.FlushDueGroups(ctx)
		case <-timeoutTicker.C:
			p.ProcessTimeouts(ctx)
		case <-cleanupTicker.C:
			p.Cleanup(ctx)
		case <-scheduledTicker.C:
			p.DispatchDueScheduled(ctx)
		case <-recurringTicker.C:
			p.DispatchDueRecurring(ctx)
		case <-retentionTicker.C:
			p.ApplyRetention(ctx)
		case <-approvalTicker.C:
			p.RetryApprovals(ctx)
		}
	}
}

func (p *Processor) warn(err error, msg string) {
	if err != nil && p.deps.Logger != nil {
		p.deps.Logger.WithError(err).Warn(msg)
	}
}

// FlushDueGroups flushes every group whose notify_at has passed. Each
// flush CASes a sentinel, so exactly one node emits the event.
func (p *Processor) FlushDueGroups(ctx context.Context) {
	if p.deps.Groups == nil {
		return
	}
	due, err := p.deps.Groups.Due(ctx, p.now().UTC())
	if err != nil {
		p.warn(err, "group flush scan failed")
		return
	}
	for _, group := range due {
		won, err := p.deps.Groups.Flush(ctx, group)
		if err != nil {
			p.warn(err, "group flush failed")
			continue
		}
		if won {
			emit(p.deps.GroupFlushed, GroupFlushEvent{Group: group})
		}
	}
}

// ProcessTimeouts consumes every expired timeout-index entry: chain
// step deadlines move their chain to TimedOut; event timeouts CAS the
// paired state to the configured transition.
func (p *Processor) ProcessTimeouts(ctx context.Context) {
	expired, err := p.deps.Store.GetExpiredTimeouts(ctx, p.now().UnixMilli())
	if err != nil {
		p.warn(err, "timeout scan failed")
		return
	}
	for _, key := range expired {
		ns, tenant, _, id, ok := state.SplitCanonicalKey(key)
		if !ok {
			_ = p.deps.Store.RemoveTimeoutIndex(ctx, key)
			continue
		}
		if strings.HasPrefix(id, "chain:") {
			chainID := strings.TrimPrefix(id, "chain:")
			if p.deps.Chains != nil {
				if err := p.deps.Chains.TimeOut(ctx, ns, tenant, chainID); err != nil {
					p.warn(err, "chain timeout failed")
					continue
				}
				emit(p.deps.ChainTimedOut, ChainTimeoutEvent{Namespace: ns, Tenant: tenant, ChainID: chainID})
			}
			_, _ = p.deps.Store.Delete(ctx, key)
			_ = p.deps.Store.RemoveTimeoutIndex(ctx, key)
			continue
		}
		if p.deps.Events == nil {
			continue
		}
		res, processed, err := p.deps.Events.ProcessTimeout(ctx, key)
		if err != nil {
			p.warn(err, "event timeout failed")
			continue
		}
		if processed {
			emit(p.deps.TimeoutFired, TimeoutEvent{Transition: res})
		}
	}
}

// Cleanup deletes orphaned flush sentinels and claim sub-keys whose
// base entry is gone. Sentinels carry a TTL and normally age out on
// their own; this sweep bounds the window when a node dies mid-flush.
func (p *Processor) Cleanup(ctx context.Context) {
	for _, kind := range []state.Kind{state.KindGroup, state.KindScheduled} {
		kvs, err := p.deps.Store.ScanKeysByKind(ctx, kind)
		if err != nil {
			p.warn(err, "cleanup scan failed")
			return
		}
		present := make(map[string]bool, len(kvs))
		for _, kv := range kvs {
			present[kv.Key] = true
		}
		for _, kv := range kvs {
			base := ""
			if strings.HasSuffix(kv.Key, ":flushed") {
				base = strings.TrimSuffix(kv.Key, ":flushed")
			} else if strings.HasSuffix(kv.Key, ":claim") {
				base = strings.TrimSuffix(kv.Key, ":claim")
			} else {
				continue
			}
			if !present[base] {
				_, _ = p.deps.Store.Delete(ctx, kv.Key)
			}
		}
	}
}

// DispatchDueScheduled claims due scheduled entries and re-dispatches
// them through the gateway. Retryable dispatch failures re-schedule with
// a fixed backoff; terminal failures drop the entry.
func (p *Processor) DispatchDueScheduled(ctx context.Context) {
	if p.deps.Scheduled == nil || p.deps.Dispatcher == nil {
		return
	}
	due, err := p.deps.Scheduled.Due(ctx, p.now().UTC())
	if err != nil {
		p.warn(err, "scheduled scan failed")
		return
	}
	for _, entry := range due {
		won, err := p.deps.Scheduled.Claim(ctx, entry)
		if err != nil || !won {
			continue
		}
		outcome, err := p.deps.Dispatcher.Dispatch(ctx, entry.Action)
		if err != nil {
			if _, rerr := p.deps.Scheduled.Reschedule(ctx, entry, time.Minute); rerr != nil {
				p.warn(rerr, "scheduled reschedule failed")
			}
			continue
		}
		if outcome.Kind == core.OutcomeFailed && outcome.Err != nil && outcome.Err.Retryable {
			if _, rerr := p.deps.Scheduled.Reschedule(ctx, entry, time.Minute); rerr != nil {
				p.warn(rerr, "scheduled reschedule failed")
			}
			continue
		}
		if err := p.deps.Scheduled.Complete(ctx, entry); err != nil {
			p.warn(err, "scheduled complete failed")
		}
	}
}

// DispatchDueRecurring fires due recurring rules through the gateway.
func (p *Processor) DispatchDueRecurring(ctx context.Context) {
	if p.deps.Recurring == nil || p.deps.Dispatcher == nil {
		return
	}
	due, err := p.deps.Recurring.Due(ctx, p.now().UTC())
	if err != nil {
		p.warn(err, "recurring scan failed")
		return
	}
	for _, rule := range due {
		action := rule.Action.Clone()
		action.ID = rule.Action.ID + "@" + p.now().UTC().Format(time.RFC3339)
		action.CreatedAt = p.now().UTC()
		if _, err := p.deps.Dispatcher.Dispatch(ctx, action); err != nil {
			p.warn(err, "recurring dispatch failed")
		}
	}
}

// ApplyRetention runs every enabled retention policy once.
func (p *Processor) ApplyRetention(ctx context.Context) {
	if p.deps.Retention == nil {
		return
	}
	if _, err := p.deps.Retention.Apply(ctx, p.now().UTC()); err != nil {
		p.warn(err, "retention sweep failed")
	}
}

// RetryApprovals emits retry events for approvals whose notification
// never went out.
func (p *Processor) RetryApprovals(ctx context.Context) {
	if p.deps.Approvals == nil {
		return
	}
	pending, err := p.deps.Approvals.PendingRetries(ctx, p.now().UTC())
	if err != nil {
		p.warn(err, "approval retry scan failed")
		return
	}
	for _, pa := range pending {
		emit(p.deps.ApprovalRetry, ApprovalRetryEvent{Approval: pa})
	}
}

// emit sends without blocking; a nil or full channel drops the event.
func emit[T any](ch chan<- T, event T) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
	}
}
