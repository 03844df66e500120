// Command acteon-server assembles the Acteon action gateway: state
// store, rule engine, executor, stateful extensions, background
// processor, and the admin HTTP surface.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	infraconfig "github.com/penserai/acteon/infrastructure/config"
	"github.com/penserai/acteon/infrastructure/logging"
	inframetrics "github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/middleware"
	"github.com/penserai/acteon/infrastructure/ratelimit"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/adminapi"
	"github.com/penserai/acteon/internal/audit"
	acteoncrypto "github.com/penserai/acteon/internal/crypto"
	"github.com/penserai/acteon/internal/background"
	"github.com/penserai/acteon/internal/executor"
	"github.com/penserai/acteon/internal/ext"
	"github.com/penserai/acteon/internal/gateway"
	"github.com/penserai/acteon/internal/providers"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/internal/semantic"
	"github.com/penserai/acteon/internal/wasmhost"
	"github.com/penserai/acteon/pkg/config"
	"github.com/penserai/acteon/pkg/metrics"
	"github.com/penserai/acteon/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("acteon", cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := tracing.Setup(context.Background(), cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.ResourceAttributes)
		if err != nil {
			logger.WithError(err).Warn("tracing setup failed, continuing without traces")
		} else {
			defer shutdown(context.Background())
		}
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal(context.Background(), "state store setup failed", err)
	}
	defer store.Close(context.Background())

	loader := rules.NewLoader()
	ruleSet, err := loader.LoadDirectory(cfg.Rules.Directory)
	if err != nil {
		logger.Fatal(context.Background(), "rule load failed", err)
	}
	engine := rules.NewEngine(ruleSet)
	logger.WithFields(map[string]interface{}{"rules": len(ruleSet), "dir": cfg.Rules.Directory}).Info("rules loaded")

	var tz *time.Location
	if cfg.Rules.Timezone != "" {
		tz, err = time.LoadLocation(cfg.Rules.Timezone)
		if err != nil {
			logger.Fatal(context.Background(), "invalid rules timezone", err)
		}
	}

	promReg := prometheus.NewRegistry()
	counters := gateway.NewCounters(metrics.NewRecorder(promReg))

	resources := infraconfig.LoadResourcesConfigOrDefault()

	registry := executor.NewRegistry()
	providerURLs := make(map[string]string)
	for _, name := range resources.EnabledProviders() {
		providerURLs[name] = resources.GetProvider(name).URL
	}
	// Outbound webhook and lookup calls share one rate-limited client.
	outbound := ratelimit.NewRateLimitedClient(http.DefaultClient, ratelimit.DefaultConfig())
	for _, p := range providers.FromConfig(providerURLs, logger, outbound) {
		registry.Register(p)
	}

	dlq := executor.NewMemoryDLQ(cfg.Executor.DeadLetterCapacity)
	exec := executor.New(executor.Config{
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		MaxRetries:    cfg.Executor.MaxRetries,
		BaseBackoff:   time.Duration(cfg.Executor.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:    time.Duration(cfg.Executor.MaxBackoffMs) * time.Millisecond,
		Timeout:       time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		Breaker: executor.BreakerConfig{
			FailureThreshold: cfg.Executor.FailureThreshold,
			SuccessThreshold: cfg.Executor.SuccessThreshold,
			RecoveryTimeout:  time.Duration(cfg.Executor.RecoverySeconds) * time.Second,
			FallbackProvider: cfg.Executor.FallbackProvider,
		},
	}, registry, dlq, counters, logger)

	var auditStore audit.Store = audit.NewMemoryStore(cfg.Audit.HashChain)
	var asyncAudit *audit.AsyncWriter
	if !cfg.Audit.SyncWrites {
		asyncAudit = audit.NewAsyncWriter(auditStore, cfg.Audit.AsyncQueueDepth, logger)
		auditStore = asyncAudit
	}

	if cfg.Encryption.Enabled {
		keyring, err := buildKeyring(cfg)
		if err != nil {
			logger.Fatal(context.Background(), "encryption keyring setup failed", err)
		}
		store = acteoncrypto.NewEncryptingStore(store, keyring, acteoncrypto.DefaultEncryptedKinds())
		logger.Info("payload encryption at rest enabled")
	}

	wasmRuntime := wasmhost.New()
	if cfg.Wasm.PluginDirectory != "" {
		if err := wasmRuntime.LoadDirectory(cfg.Wasm.PluginDirectory); err != nil {
			logger.Fatal(context.Background(), "wasm plugin load failed", err)
		}
	}
	embeddings := semantic.NewLocalProvider()

	quotas := ext.NewQuotaManager(store)
	for _, q := range resources.Quotas {
		if err := quotas.SetPolicy(ext.QuotaPolicy{
			ID: q.ID, Namespace: q.Namespace, Tenant: q.Tenant,
			MaxActions: q.MaxActions, Window: ext.QuotaWindow(q.Window),
			CustomSeconds: q.CustomSeconds, Overage: ext.OverageBehavior(q.Overage),
			Enabled: q.Enabled,
		}); err != nil {
			logger.Fatal(context.Background(), "quota policy setup failed", err)
		}
	}

	groups := ext.NewGroupManager(store)

	machines := make([]ext.Machine, 0, len(resources.Machines))
	for _, m := range resources.Machines {
		timeouts := make(map[string]ext.TimeoutSpec, len(m.Timeouts))
		for st, spec := range m.Timeouts {
			timeouts[st] = ext.TimeoutSpec{
				After:        time.Duration(spec.AfterSeconds) * time.Second,
				TransitionTo: spec.TransitionTo,
			}
		}
		machines = append(machines, ext.Machine{
			Name: m.Name, States: m.States, Initial: m.Initial,
			Terminal: m.Terminal, Timeouts: timeouts, NotifyOn: m.NotifyOn,
		})
	}
	events, err := ext.NewEventManager(store, machines)
	if err != nil {
		logger.Fatal(context.Background(), "event manager setup failed", err)
	}

	scheduled := ext.NewScheduledManager(store)
	recurring := ext.NewRecurringManager(store)

	retention := ext.NewRetentionManager(store)
	for _, r := range resources.Retention {
		kinds := make([]state.Kind, len(r.Kinds))
		for i, k := range r.Kinds {
			kinds[i] = state.Kind(k)
		}
		if err := retention.SetPolicy(ext.RetentionPolicy{
			ID: r.ID, Namespace: r.Namespace, Tenant: r.Tenant, Kinds: kinds,
			MaxAge:         time.Duration(r.MaxAgeSeconds) * time.Second,
			ComplianceHold: r.ComplianceHold, Enabled: r.Enabled,
		}); err != nil {
			logger.Fatal(context.Background(), "retention policy setup failed", err)
		}
	}

	approvalPolicies := make([]ext.ApprovalPolicy, 0, len(resources.Approvals))
	for _, a := range resources.Approvals {
		approvalPolicies = append(approvalPolicies, ext.ApprovalPolicy{
			Name: a.Name, Approvers: a.Approvers, MinApprovals: a.MinApprovals,
			ExpiresAfter: time.Duration(a.ExpiresAfterS) * time.Second,
		})
	}
	approvals, err := ext.NewApprovalManager(store, approvalPolicies)
	if err != nil {
		logger.Fatal(context.Background(), "approval manager setup failed", err)
	}

	chainDefs := make([]ext.ChainDefinition, 0, len(resources.Chains))
	for _, c := range resources.Chains {
		steps := make([]ext.ChainStep, len(c.Steps))
		for i, s := range c.Steps {
			steps[i] = ext.ChainStep{Name: s.Name, Provider: s.Provider, ActionType: s.ActionType, SubChain: s.SubChain}
		}
		chainDefs = append(chainDefs, ext.ChainDefinition{
			Name:        c.Name,
			Steps:       steps,
			StepTimeout: time.Duration(c.StepTimeoutSeconds) * time.Second,
		})
	}
	chainRegistry, err := ext.NewChainRegistry(chainDefs)
	if err != nil {
		logger.Fatal(context.Background(), "chain registry setup failed", err)
	}
	chains := ext.NewChainManager(store, chainRegistry, exec)

	lookups := make(map[string]gateway.ResourceLookup)
	enrichments := make([]gateway.Enrichment, 0, len(resources.Enrichments))
	for _, e := range resources.Enrichments {
		if e.LookupURL != "" {
			lookups[e.Lookup] = providers.NewHTTPLookup(e.LookupURL, outbound)
		}
		mode := gateway.FailOpen
		if e.OnError == string(gateway.FailClosed) {
			mode = gateway.FailClosed
		}
		enrichments = append(enrichments, gateway.Enrichment{
			Name: e.Name,
			Filter: gateway.EnrichmentFilter{
				Namespace: e.Namespace, Tenant: e.Tenant,
				ActionType: e.ActionType, Provider: e.Provider,
			},
			Lookup:   e.Lookup,
			Params:   e.Params,
			MergeKey: e.MergeKey,
			Timeout:  time.Duration(e.TimeoutSeconds) * time.Second,
			OnError:  mode,
		})
	}

	templateProfiles := make([]gateway.TemplateProfile, 0, len(resources.Templates))
	for _, tp := range resources.Templates {
		templateProfiles = append(templateProfiles, gateway.TemplateProfile{
			Name: tp.Name, Provider: tp.Provider, ActionType: tp.ActionType, Fields: tp.Fields,
		})
	}

	gw, err := gateway.New(gateway.Config{
		Environment:     cfg.Env,
		Timezone:        tz,
		SyncAuditWrites: cfg.Audit.SyncWrites,
	}, gateway.Deps{
		Store:      store,
		Locks:      state.NewLock(store),
		Engine:     engine,
		Executor:   exec,
		Registry:   registry,
		Audit:      auditStore,
		Counters:   counters,
		Logger:     logger,
		Quotas:     quotas,
		Chains:     chains,
		Groups:     groups,
		Events:     events,
		Scheduled:  scheduled,
		Approvals:  approvals,
		Wasm:       wasmRuntime,
		Embeddings: embeddings,
		Tracer:     tracing.NewGlobalTracer("acteon"),

		Templates:   gateway.NewTemplateRegistry(templateProfiles),
		Enrichments: enrichments,
		Lookups:     lookups,
	})
	if err != nil {
		logger.Fatal(context.Background(), "gateway setup failed", err)
	}

	processor := background.New(background.Config{
		GroupFlushInterval:     time.Duration(cfg.Background.GroupFlushSeconds) * time.Second,
		TimeoutCheckInterval:   time.Duration(cfg.Background.TimeoutCheckSeconds) * time.Second,
		CleanupInterval:        time.Duration(cfg.Background.CleanupSeconds) * time.Second,
		ScheduledCheckInterval: time.Duration(cfg.Background.ScheduledCheckSeconds) * time.Second,
		RecurringInterval:      time.Duration(cfg.Background.RecurringSeconds) * time.Second,
		RetentionInterval:      time.Duration(cfg.Background.RetentionSeconds) * time.Second,
		ApprovalRetryInterval:  time.Duration(cfg.Background.ApprovalRetrySeconds) * time.Second,
	}, background.Deps{
		Store:      store,
		Groups:     groups,
		Events:     events,
		Chains:     chains,
		Scheduled:  scheduled,
		Recurring:  recurring,
		Retention:  retention,
		Approvals:  approvals,
		Dispatcher: gw,
		Logger:     logger,
	})
	processor.Start()
	defer processor.Stop()

	server := adminapi.New(adminapi.Deps{
		Gateway:   gw,
		Audit:     auditStore,
		Engine:    engine,
		Loader:    loader,
		RulesDir:  cfg.Rules.Directory,
		Quotas:    quotas,
		Retention: retention,
		Approvals: approvals,
		Chains:    chains,
		Executor:  exec,
		Logger:    logger,
		HTTPMetrics: inframetrics.NewWithRegistry("acteon", promReg),
		RateLimit:   middleware.NewRateLimiter(200, 400, logger),
	})
	router := server.Router()
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": addr}).Info("acteon listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "http server failed", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if asyncAudit != nil {
		asyncAudit.Close()
	}
}

func buildStore(cfg *config.Config, logger *logging.Logger) (state.Store, error) {
	switch cfg.State.Backend {
	case "", "memory":
		return state.NewMemoryStore(time.Duration(cfg.State.CleanupSeconds) * time.Second), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.State.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.WithFields(map[string]interface{}{"addr": opts.Addr}).Info("redis state backend connected")
		return state.NewRedisStore(client, cfg.State.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func buildKeyring(cfg *config.Config) (*acteoncrypto.Keyring, error) {
	keys := make([]acteoncrypto.Key, 0, len(cfg.Encryption.Keys))
	for _, k := range cfg.Encryption.Keys {
		raw, err := decodeKey(k.Key)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.KID, err)
		}
		keys = append(keys, acteoncrypto.Key{KID: k.KID, Master: raw})
	}
	return acteoncrypto.NewKeyring(keys...)
}

func decodeKey(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
