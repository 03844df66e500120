package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/core"
)

// fakeProvider counts calls and returns scripted errors.
type fakeProvider struct {
	name  string
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Execute(ctx context.Context, action core.Action) (core.ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(call); err != nil {
			return core.ProviderResponse{}, err
		}
	}
	return core.SuccessResponse(map[string]any{"delivered": true, "call": call}), nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *countingSink) Inc(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[name]++
}

func (s *countingSink) get(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Breaker = BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute}
	return cfg
}

func action() core.Action {
	return core.Action{ID: "a-1", Namespace: "prod", Tenant: "acme", Provider: "email", ActionType: "alert"}
}

func TestExecutor_Success(t *testing.T) {
	registry := NewRegistry()
	p := &fakeProvider{name: "email"}
	registry.Register(p)
	e := New(fastConfig(), registry, nil, nil, nil)

	outcome := e.Execute(context.Background(), action(), "email")
	require.Equal(t, core.OutcomeExecuted, outcome.Kind)
	assert.Equal(t, 1, p.callCount())
}

func TestExecutor_ProviderNotFound(t *testing.T) {
	e := New(fastConfig(), NewRegistry(), nil, nil, nil)
	outcome := e.Execute(context.Background(), action(), "missing")
	require.Equal(t, core.OutcomeFailed, outcome.Kind)
	assert.Equal(t, "PROVIDER_NOT_FOUND", outcome.Err.Code)
	assert.False(t, outcome.Err.Retryable)
}

func TestExecutor_RetriesRetryableThenSucceeds(t *testing.T) {
	registry := NewRegistry()
	p := &fakeProvider{name: "email", fail: func(call int) error {
		if call < 3 {
			return NewError(ErrConnection, "connection refused")
		}
		return nil
	}}
	registry.Register(p)
	e := New(fastConfig(), registry, nil, nil, nil)

	outcome := e.Execute(context.Background(), action(), "email")
	require.Equal(t, core.OutcomeExecuted, outcome.Kind)
	assert.Equal(t, 3, p.callCount())
}

func TestExecutor_NonRetryableFailsImmediately(t *testing.T) {
	registry := NewRegistry()
	p := &fakeProvider{name: "email", fail: func(call int) error {
		return NewError(ErrExecution, "template rendering failed")
	}}
	registry.Register(p)
	dlq := NewMemoryDLQ(10)
	e := New(fastConfig(), registry, dlq, nil, nil)

	outcome := e.Execute(context.Background(), action(), "email")
	require.Equal(t, core.OutcomeFailed, outcome.Kind)
	assert.Equal(t, "EXECUTION", outcome.Err.Code)
	assert.Equal(t, 1, p.callCount())

	entries := dlq.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "EXECUTION", entries[0].Code)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestExecutor_CircuitBreakerTrips(t *testing.T) {
	registry := NewRegistry()
	p := &fakeProvider{name: "failing", fail: func(call int) error {
		return NewError(ErrExecution, "always fails")
	}}
	registry.Register(p)
	sink := &countingSink{}
	e := New(fastConfig(), registry, nil, sink, nil)

	for i := 0; i < 3; i++ {
		outcome := e.Execute(context.Background(), action(), "failing")
		require.Equal(t, core.OutcomeFailed, outcome.Kind)
		assert.Equal(t, "EXECUTION", outcome.Err.Code)
	}
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, "open", e.BreakerState("failing"))

	for i := 0; i < 2; i++ {
		outcome := e.Execute(context.Background(), action(), "failing")
		require.Equal(t, core.OutcomeFailed, outcome.Kind)
		assert.Equal(t, "CIRCUIT_OPEN", outcome.Err.Code)
	}
	assert.Equal(t, 3, p.callCount(), "open circuit must not call the provider")
	assert.Equal(t, 2, sink.get("circuit_open"))
}

func TestExecutor_ManualTripAndReset(t *testing.T) {
	registry := NewRegistry()
	p := &fakeProvider{name: "email"}
	registry.Register(p)
	e := New(fastConfig(), registry, nil, nil, nil)

	e.TripBreaker("email")
	outcome := e.Execute(context.Background(), action(), "email")
	require.Equal(t, core.OutcomeFailed, outcome.Kind)
	assert.Equal(t, "CIRCUIT_OPEN", outcome.Err.Code)
	assert.Equal(t, 0, p.callCount())

	e.ResetBreaker("email")
	outcome = e.Execute(context.Background(), action(), "email")
	require.Equal(t, core.OutcomeExecuted, outcome.Kind)
	assert.Equal(t, 1, p.callCount())
}

func TestExecutor_FallbackProviderWhenOpen(t *testing.T) {
	registry := NewRegistry()
	primary := &fakeProvider{name: "email", fail: func(call int) error {
		return NewError(ErrExecution, "down")
	}}
	fallback := &fakeProvider{name: "sms"}
	registry.Register(primary)
	registry.Register(fallback)

	cfg := fastConfig()
	cfg.Breaker.FallbackProvider = "sms"
	e := New(cfg, registry, nil, nil, nil)

	for i := 0; i < 3; i++ {
		e.Execute(context.Background(), action(), "email")
	}
	require.Equal(t, "open", e.BreakerState("email"))

	outcome := e.Execute(context.Background(), action(), "email")
	require.Equal(t, core.OutcomeExecuted, outcome.Kind)
	assert.Equal(t, "sms", outcome.Response.Data["fallback_provider"])
	assert.Equal(t, 1, fallback.callCount())
}

func TestExecutor_MetricsSnapshot(t *testing.T) {
	registry := NewRegistry()
	p := &fakeProvider{name: "email", fail: func(call int) error {
		if call == 1 {
			return NewError(ErrExecution, "boom")
		}
		return nil
	}}
	registry.Register(p)
	e := New(fastConfig(), registry, nil, nil, nil)

	e.Execute(context.Background(), action(), "email")
	e.Execute(context.Background(), action(), "email")

	snaps := e.Snapshot()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, "email", snap.Provider)
	assert.Equal(t, int64(2), snap.Count)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, int64(1), snap.FailureCount)
	assert.Contains(t, snap.LastError, "boom")
	assert.False(t, snap.LastRequestTime.IsZero())
}

func TestMemoryDLQ_Bounded(t *testing.T) {
	dlq := NewMemoryDLQ(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, dlq.Push(context.Background(), DeadLetterEntry{Code: "EXECUTION"}))
	}
	assert.Len(t, dlq.Entries(), 2)
	assert.Equal(t, int64(1), dlq.Dropped())
}
