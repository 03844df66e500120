package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/internal/core"
)

// Config bounds executor behavior.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Timeout       time.Duration
	Breaker       BreakerConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 64,
		MaxRetries:    3,
		BaseBackoff:   100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		Timeout:       30 * time.Second,
		Breaker:       DefaultBreakerConfig(),
	}
}

// CounterSink receives stable-name counter increments. The gateway wires
// this to its metrics registry; a nil sink is a no-op.
type CounterSink interface {
	Inc(name string)
}

// Executor drives provider invocation with a global concurrency bound,
// per-execution timeout, retry with exponential backoff, per-provider
// circuit breakers, and a dead-letter sink for terminal failures.
type Executor struct {
	cfg      Config
	registry *Registry
	dlq      DeadLetterSink
	counters CounterSink
	logger   *logging.Logger

	permits chan struct{}

	mu       sync.Mutex
	breakers map[string]*breaker
	metrics  map[string]*providerMetrics
}

// New builds an executor over the provider registry. dlq, counters, and
// logger may be nil.
func New(cfg Config, registry *Registry, dlq DeadLetterSink, counters CounterSink, logger *logging.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		dlq:      dlq,
		counters: counters,
		logger:   logger,
		permits:  make(chan struct{}, cfg.MaxConcurrent),
		breakers: make(map[string]*breaker),
		metrics:  make(map[string]*providerMetrics),
	}
}

func (e *Executor) inc(name string) {
	if e.counters != nil {
		e.counters.Inc(name)
	}
}

func (e *Executor) breakerFor(provider string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[provider]
	if !ok {
		b = newBreaker(provider, e.cfg.Breaker)
		e.breakers[provider] = b
	}
	return b
}

func (e *Executor) metricsFor(provider string) *providerMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[provider]
	if !ok {
		m = &providerMetrics{}
		e.metrics[provider] = m
	}
	return m
}

// TripBreaker forces the named provider's circuit open.
func (e *Executor) TripBreaker(provider string) {
	e.breakerFor(provider).trip()
}

// ResetBreaker clears the named provider's circuit to closed.
func (e *Executor) ResetBreaker(provider string) {
	e.breakerFor(provider).reset(provider)
}

// BreakerState returns "closed", "open", or "half_open".
func (e *Executor) BreakerState(provider string) string {
	return e.breakerFor(provider).state()
}

// Snapshot returns the health metrics for every provider seen so far.
func (e *Executor) Snapshot() []MetricsSnapshot {
	e.mu.Lock()
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	e.mu.Unlock()

	out := make([]MetricsSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, e.metricsFor(name).snapshot(name, e.breakerFor(name).state()))
	}
	return out
}

// Execute runs the action through the named provider and maps the result
// onto the outcome union: success is Executed, terminal failure Failed.
// With the primary circuit open and a fallback provider configured, the
// action is routed through the fallback and the response labeled.
func (e *Executor) Execute(ctx context.Context, action core.Action, providerName string) core.ActionOutcome {
	outcome, wantFallback := e.run(ctx, action, providerName, true)
	if !wantFallback {
		return outcome
	}
	// The permit from the primary attempt is released before the
	// fallback runs, so a fully-loaded executor cannot deadlock on its
	// own fallback traffic.
	e.inc("circuit_open")
	outcome, _ = e.run(ctx, action, e.cfg.Breaker.FallbackProvider, false)
	if outcome.Kind == core.OutcomeExecuted && outcome.Response != nil {
		if outcome.Response.Data == nil {
			outcome.Response.Data = make(map[string]any)
		}
		outcome.Response.Data["fallback_provider"] = e.cfg.Breaker.FallbackProvider
		outcome.Response.Data["original_provider"] = providerName
	}
	return outcome
}

// run performs the bounded, retried execution against one provider. It
// returns wantFallback=true instead of an outcome when the provider's
// circuit is open and a distinct fallback provider is configured.
func (e *Executor) run(ctx context.Context, action core.Action, providerName string, allowFallback bool) (core.ActionOutcome, bool) {
	provider, ok := e.registry.Get(providerName)
	if !ok {
		return core.Failed(core.ActionError{
			Code:      "PROVIDER_NOT_FOUND",
			Message:   "provider " + providerName + " is not registered",
			Retryable: false,
		}), false
	}

	select {
	case e.permits <- struct{}{}:
	case <-ctx.Done():
		return core.Failed(core.ActionError{Code: ErrTimeout.String(), Message: "cancelled waiting for execution permit", Retryable: true}), false
	}
	defer func() { <-e.permits }()

	br := e.breakerFor(providerName)
	pm := e.metricsFor(providerName)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	var lastErr *Error
	attempts := 0
	for {
		attempts++

		if br.open() {
			if allowFallback && e.cfg.Breaker.FallbackProvider != "" && e.cfg.Breaker.FallbackProvider != providerName {
				return core.ActionOutcome{}, true
			}
			e.inc("circuit_open")
			return core.Failed(core.ActionError{
				Code:      ErrCircuitOpen.String(),
				Message:   "circuit open for provider " + providerName,
				Retryable: false,
				Attempts:  attempts - 1,
			}), false
		}

		start := time.Now()
		resp, err := br.execute(func() (core.ProviderResponse, error) {
			return e.invoke(ctx, provider, action)
		})
		pm.record(time.Since(start), err, start)

		if err == nil {
			return core.Executed(resp), false
		}

		perr := asProviderError(err)
		if perr.Kind == ErrCircuitOpen {
			// Rejected without a provider call; counts as an open hit.
			if allowFallback && e.cfg.Breaker.FallbackProvider != "" && e.cfg.Breaker.FallbackProvider != providerName {
				return core.ActionOutcome{}, true
			}
			e.inc("circuit_open")
			return core.Failed(core.ActionError{
				Code:      ErrCircuitOpen.String(),
				Message:   perr.Message,
				Retryable: false,
				Attempts:  attempts - 1,
			}), false
		}
		lastErr = perr
		if e.logger != nil {
			e.logger.WithError(perr).WithFields(map[string]interface{}{
				"provider": providerName,
				"action":   action.ID,
				"attempt":  attempts,
			}).Warn("provider execution failed")
		}

		if !perr.Kind.Retryable() || attempts > e.cfg.MaxRetries {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			lastErr = NewError(ErrTimeout, "cancelled during retry backoff")
			attempts++
			goto terminal
		}
	}

terminal:
	if e.dlq != nil {
		_ = e.dlq.Push(ctx, DeadLetterEntry{
			Action:   action,
			Error:    lastErr.Message,
			Code:     lastErr.Kind.String(),
			Attempts: attempts,
			FailedAt: time.Now().UTC(),
		})
	}
	return core.Failed(core.ActionError{
		Code:      lastErr.Kind.String(),
		Message:   lastErr.Message,
		Retryable: lastErr.Kind.Retryable(),
		Attempts:  attempts,
	}), false
}

// invoke runs one provider call under the per-action timeout, normalizing
// errors into the provider taxonomy.
func (e *Executor) invoke(ctx context.Context, provider Provider, action core.Action) (core.ProviderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := provider.Execute(callCtx, action)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return core.ProviderResponse{}, NewError(ErrTimeout, "provider call timed out: %v", err)
		}
		return core.ProviderResponse{}, asProviderError(err)
	}
	return resp, nil
}

func asProviderError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError(ErrExecution, "%v", err)
}
