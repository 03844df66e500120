// Package adminapi is the JSON-over-HTTP admin surface: dispatch, audit
// queries, analytics, rule/quota/retention management, approvals, chain
// advancement, and the rule playground.
package adminapi

import (
	"time"

	"github.com/penserai/acteon/internal/core"
)

// outcomeJSON renders an ActionOutcome as the tagged union wire form
// (tag field: type).
func outcomeJSON(o core.ActionOutcome) map[string]any {
	out := map[string]any{"type": o.Kind.TypeName()}
	switch o.Kind {
	case core.OutcomeExecuted:
		if o.Response != nil {
			out["response"] = o.Response.Data
		}
	case core.OutcomeFailed:
		if o.Err != nil {
			out["error"] = map[string]any{
				"code":      o.Err.Code,
				"message":   o.Err.Message,
				"retryable": o.Err.Retryable,
				"attempts":  o.Err.Attempts,
			}
		}
	case core.OutcomeSuppressed:
		out["rule"] = o.Rule
	case core.OutcomeThrottled:
		out["retry_after_secs"] = int64(o.RetryAfter / time.Second)
	case core.OutcomeRerouted:
		out["original"] = o.OriginalProvider
		out["new"] = o.NewProvider
		if o.RerouteResponse != nil {
			out["response"] = o.RerouteResponse.Data
		}
	case core.OutcomeScheduled:
		out["action_id"] = o.ScheduledActionID
		out["due_at"] = o.DueAt.UTC().Format(time.RFC3339)
	case core.OutcomeGrouped:
		out["group_id"] = o.GroupID
		out["size"] = o.GroupSize
		out["notify_at"] = o.NotifyAt.UTC().Format(time.RFC3339)
	case core.OutcomeStateChanged:
		out["fingerprint"] = o.Fingerprint
		out["from"] = o.FromState
		out["to"] = o.ToState
		out["notify"] = o.Notify
	case core.OutcomeChainStarted:
		out["chain_id"] = o.ChainID
		out["name"] = o.ChainName
		out["steps"] = o.Steps
		out["total_steps"] = len(o.Steps)
		out["first_step"] = o.FirstStep
	case core.OutcomeApprovalPending:
		out["token"] = o.ApprovalToken
		out["expires_at"] = o.ApprovalExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}
