package adminapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/middleware"
	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/executor"
	"github.com/penserai/acteon/internal/ext"
	"github.com/penserai/acteon/internal/gateway"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/pkg/version"
)

// Server assembles the admin router over the gateway and its
// collaborators.
type Server struct {
	gw        *gateway.Gateway
	audit     audit.Store
	engine    *rules.Engine
	loader    *rules.Loader
	rulesDir  string
	quotas    *ext.QuotaManager
	retention *ext.RetentionManager
	approvals *ext.ApprovalManager
	chains    *ext.ChainManager
	exec      *executor.Executor
	logger    *logging.Logger
	httpMet   *metrics.Metrics
	ratelim   *middleware.RateLimiter
}

// Deps wires the server. Gateway, Engine, and Logger are required; nil
// optional collaborators disable their endpoints with 404s.
type Deps struct {
	Gateway   *gateway.Gateway
	Audit     audit.Store
	Engine    *rules.Engine
	Loader    *rules.Loader
	RulesDir  string
	Quotas    *ext.QuotaManager
	Retention *ext.RetentionManager
	Approvals *ext.ApprovalManager
	Chains    *ext.ChainManager
	Executor  *executor.Executor
	Logger    *logging.Logger
	// HTTPMetrics backs the request-metrics middleware; nil skips it.
	HTTPMetrics *metrics.Metrics
	// RateLimit guards the admin surface; nil skips it.
	RateLimit *middleware.RateLimiter
}

func New(deps Deps) *Server {
	return &Server{
		gw:        deps.Gateway,
		audit:     deps.Audit,
		engine:    deps.Engine,
		loader:    deps.Loader,
		rulesDir:  deps.RulesDir,
		quotas:    deps.Quotas,
		retention: deps.Retention,
		approvals: deps.Approvals,
		chains:    deps.Chains,
		exec:      deps.Executor,
		logger:    deps.Logger,
		httpMet:   deps.HTTPMetrics,
		ratelim:   deps.RateLimit,
	}
}

// Router builds the gorilla/mux router with the standard middleware
// chain.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggingMiddleware(s.logger))
	r.Use(middleware.NewRecoveryMiddleware(s.logger).Handler)
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(4 << 20).Handler)
	r.Use(middleware.NewTimeoutMiddleware(60 * time.Second).Handler)
	if s.httpMet != nil {
		r.Use(middleware.MetricsMiddleware("acteon", s.httpMet))
	}
	if s.ratelim != nil {
		r.Use(s.ratelim.Handler)
	}

	health := middleware.NewHealthChecker(version.Version)
	r.HandleFunc("/health", health.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/dispatch", s.handleDispatch).Methods(http.MethodPost)
	v1.HandleFunc("/dispatch/batch", s.handleDispatchBatch).Methods(http.MethodPost)

	v1.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)
	v1.HandleFunc("/audit/analytics", s.handleAuditAnalytics).Methods(http.MethodGet)
	v1.HandleFunc("/audit/verify", s.handleAuditVerify).Methods(http.MethodGet)

	v1.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/reload", s.handleReloadRules).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{name}/enable", s.handleEnableRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{name}/disable", s.handleDisableRule).Methods(http.MethodPost)

	v1.HandleFunc("/quotas", s.handleListQuotas).Methods(http.MethodGet)
	v1.HandleFunc("/quotas/{id}", s.handleGetQuota).Methods(http.MethodGet)
	v1.HandleFunc("/quotas/{id}", s.handlePutQuota).Methods(http.MethodPut)
	v1.HandleFunc("/quotas/{id}", s.handleDeleteQuota).Methods(http.MethodDelete)

	v1.HandleFunc("/retention", s.handleListRetention).Methods(http.MethodGet)
	v1.HandleFunc("/retention/{id}", s.handleGetRetention).Methods(http.MethodGet)
	v1.HandleFunc("/retention/{id}", s.handlePutRetention).Methods(http.MethodPut)
	v1.HandleFunc("/retention/{id}", s.handleDeleteRetention).Methods(http.MethodDelete)

	v1.HandleFunc("/approvals/{token}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/approvals/{token}/deny", s.handleDeny).Methods(http.MethodPost)

	v1.HandleFunc("/chains/{id}/advance", s.handleAdvanceChain).Methods(http.MethodPost)
	v1.HandleFunc("/chains/{id}", s.handleGetChain).Methods(http.MethodGet)

	v1.HandleFunc("/providers/metrics", s.handleProviderMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/providers/{name}/breaker/trip", s.handleTripBreaker).Methods(http.MethodPost)
	v1.HandleFunc("/providers/{name}/breaker/reset", s.handleResetBreaker).Methods(http.MethodPost)

	v1.HandleFunc("/playground/evaluate", s.handlePlayground).Methods(http.MethodPost)

	return r
}
