package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/penserai/acteon/infrastructure/httputil"
	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/eval"
	"github.com/penserai/acteon/internal/ext"
	"github.com/penserai/acteon/internal/gateway"
)

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var action core.Action
	if !httputil.DecodeJSON(w, r, &action) {
		return
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	outcome, err := s.gw.Dispatch(r.Context(), action)
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, outcomeJSON(outcome))
}

func (s *Server) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var actions []core.Action
	if !httputil.DecodeJSON(w, r, &actions) {
		return
	}
	results := s.gw.DispatchBatch(r.Context(), actions)
	out := make([]map[string]any, len(results))
	for i, res := range results {
		if res.Err != nil {
			out[i] = map[string]any{"error": res.Err.Error()}
			continue
		}
		out[i] = outcomeJSON(res.Outcome)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// dispatchError maps dispatch-level failures onto HTTP statuses:
// infrastructure errors are non-200 with a structured body.
func (s *Server) dispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrLockFailed):
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, gateway.ErrProviderNotFound):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		httputil.WriteError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	q := r.URL.Query()
	query := audit.Query{
		Namespace:  q.Get("namespace"),
		Tenant:     q.Get("tenant"),
		Provider:   q.Get("provider"),
		ActionType: q.Get("action_type"),
		Outcome:    q.Get("outcome"),
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		query.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.To = &t
		}
	}
	page, err := s.audit.Query(r.Context(), query)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleAuditAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		httputil.WriteError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	q := r.URL.Query()
	query := audit.AnalyticsQuery{
		Metric:     audit.Metric(q.Get("metric")),
		Interval:   audit.Interval(q.Get("interval")),
		Namespace:  q.Get("namespace"),
		Tenant:     q.Get("tenant"),
		Provider:   q.Get("provider"),
		ActionType: q.Get("action_type"),
	}
	if v := q.Get("top_n"); v != "" {
		query.TopN, _ = strconv.Atoi(v)
	}
	resp, err := s.audit.QueryAnalytics(r.Context(), query)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		httputil.WriteError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		httputil.WriteError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	report, err := s.audit.VerifyChain(r.Context(), tenant)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

type ruleView struct {
	Name     string            `json:"name"`
	Priority int32             `json:"priority"`
	Enabled  bool              `json:"enabled"`
	Source   string            `json:"source,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ruleSet := s.engine.Rules()
	out := make([]ruleView, len(ruleSet))
	for i, rule := range ruleSet {
		out[i] = ruleView{
			Name:     rule.Name,
			Priority: rule.Priority,
			Enabled:  rule.Enabled,
			Source:   rule.Source.File,
			Labels:   rule.Labels,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil || s.rulesDir == "" {
		httputil.WriteError(w, http.StatusNotFound, "rule directory not configured")
		return
	}
	ruleSet, err := s.loader.LoadDirectory(s.rulesDir)
	if err != nil {
		// Hot-reload rejection: the running rule set is untouched.
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.Reload(ruleSet)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"loaded": len(ruleSet)})
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.toggleRule(w, r, true)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.toggleRule(w, r, false)
}

func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request, enable bool) {
	name := mux.Vars(r)["name"]
	ok := false
	if enable {
		ok = s.engine.Enable(name)
	} else {
		ok = s.engine.Disable(name)
	}
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "rule not found: "+name)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enable})
}

func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		httputil.WriteError(w, http.StatusNotFound, "quotas not configured")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.quotas.Policies())
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		httputil.WriteError(w, http.StatusNotFound, "quotas not configured")
		return
	}
	p, ok := s.quotas.Policy(mux.Vars(r)["id"])
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "quota policy not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutQuota(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		httputil.WriteError(w, http.StatusNotFound, "quotas not configured")
		return
	}
	var p ext.QuotaPolicy
	if !httputil.DecodeJSON(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["id"]
	if err := s.quotas.SetPolicy(p); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteQuota(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		httputil.WriteError(w, http.StatusNotFound, "quotas not configured")
		return
	}
	if !s.quotas.DeletePolicy(mux.Vars(r)["id"]) {
		httputil.WriteError(w, http.StatusNotFound, "quota policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRetention(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		httputil.WriteError(w, http.StatusNotFound, "retention not configured")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.retention.Policies())
}

func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		httputil.WriteError(w, http.StatusNotFound, "retention not configured")
		return
	}
	p, ok := s.retention.Policy(mux.Vars(r)["id"])
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "retention policy not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutRetention(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		httputil.WriteError(w, http.StatusNotFound, "retention not configured")
		return
	}
	var p ext.RetentionPolicy
	if !httputil.DecodeJSON(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["id"]
	if err := s.retention.SetPolicy(p); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteRetention(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		httputil.WriteError(w, http.StatusNotFound, "retention not configured")
		return
	}
	if !s.retention.DeletePolicy(mux.Vars(r)["id"]) {
		httputil.WriteError(w, http.StatusNotFound, "retention policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approvalRequest struct {
	Namespace string `json:"namespace"`
	Tenant    string `json:"tenant"`
	Approver  string `json:"approver"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		httputil.WriteError(w, http.StatusNotFound, "approvals not configured")
		return
	}
	var req approvalRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	token := mux.Vars(r)["token"]
	pa, satisfied, err := s.approvals.Approve(r.Context(), req.Namespace, req.Tenant, token, req.Approver)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := map[string]any{"token": pa.Token, "status": pa.Status, "approvals": pa.Approvals}
	if satisfied {
		// The gated action proceeds now that sign-off is complete.
		outcome, derr := s.gw.Dispatch(r.Context(), pa.Action)
		if derr != nil {
			resp["dispatch_error"] = derr.Error()
		} else {
			resp["outcome"] = outcomeJSON(outcome)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		httputil.WriteError(w, http.StatusNotFound, "approvals not configured")
		return
	}
	var req approvalRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	token := mux.Vars(r)["token"]
	pa, err := s.approvals.Deny(r.Context(), req.Namespace, req.Tenant, token, req.Approver)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"token": pa.Token, "status": pa.Status})
}

type chainRequest struct {
	Namespace string `json:"namespace"`
	Tenant    string `json:"tenant"`
}

func (s *Server) handleAdvanceChain(w http.ResponseWriter, r *http.Request) {
	if s.chains == nil {
		httputil.WriteError(w, http.StatusNotFound, "chains not configured")
		return
	}
	var req chainRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	cs, err := s.chains.Advance(r.Context(), req.Namespace, req.Tenant, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cs)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	if s.chains == nil {
		httputil.WriteError(w, http.StatusNotFound, "chains not configured")
		return
	}
	q := r.URL.Query()
	cs, ok, err := s.chains.Load(r.Context(), q.Get("namespace"), q.Get("tenant"), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "chain not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cs)
}

func (s *Server) handleProviderMetrics(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		httputil.WriteError(w, http.StatusNotFound, "executor not configured")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.exec.Snapshot())
}

func (s *Server) handleTripBreaker(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		httputil.WriteError(w, http.StatusNotFound, "executor not configured")
		return
	}
	name := mux.Vars(r)["name"]
	s.exec.TripBreaker(name)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"provider": name, "state": s.exec.BreakerState(name)})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		httputil.WriteError(w, http.StatusNotFound, "executor not configured")
		return
	}
	name := mux.Vars(r)["name"]
	s.exec.ResetBreaker(name)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"provider": name, "state": s.exec.BreakerState(name)})
}

// envAccessTracker collects the env keys a playground evaluation reads.
type envAccessTracker struct {
	mu   sync.Mutex
	keys []string
}

func (t *envAccessTracker) RecordEnvKey(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.keys {
		if k == name {
			return
		}
	}
	t.keys = append(t.keys, name)
}

type playgroundRequest struct {
	Action      core.Action       `json:"action"`
	Environment map[string]string `json:"environment,omitempty"`
}

// handlePlayground evaluates the current rule set against a trial action
// without dispatching it, returning the verdict, the per-rule trace, and
// the env keys the evaluation touched.
func (s *Server) handlePlayground(w http.ResponseWriter, r *http.Request) {
	var req playgroundRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	tracker := &envAccessTracker{}
	ectx := &eval.Context{
		Action:      req.Action,
		Environment: req.Environment,
		Now:         time.Now().UTC(),
		Access:      tracker,
	}
	verdict, traces, err := s.engine.Evaluate(r.Context(), ectx)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"verdict":      verdict.Kind.TypeName(),
		"rule":         verdict.Rule,
		"trace":        traces,
		"env_accessed": tracker.keys,
	})
}

