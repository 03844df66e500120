package ext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
)

// ChainStatus is the chain lifecycle state.
type ChainStatus string

const (
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
	ChainTimedOut  ChainStatus = "timed_out"
)

// ChainStep is one step of a chain definition. Either Provider (execute
// the origin action through this provider/action type) or SubChain
// (start the named chain) is set.
type ChainStep struct {
	Name       string `json:"name" yaml:"name"`
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty"`
	ActionType string `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	SubChain   string `json:"sub_chain,omitempty" yaml:"sub_chain,omitempty"`
}

// ChainDefinition is a named ordered step list.
type ChainDefinition struct {
	Name        string        `json:"name" yaml:"name"`
	Steps       []ChainStep   `json:"steps" yaml:"steps"`
	StepTimeout time.Duration `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
}

// ChainRegistry holds chain definitions; validate rejects cycles through
// sub-chain references with a depth-first topological check at load time.
type ChainRegistry struct {
	defs map[string]ChainDefinition
}

func NewChainRegistry(defs []ChainDefinition) (*ChainRegistry, error) {
	r := &ChainRegistry{defs: make(map[string]ChainDefinition, len(defs))}
	for _, d := range defs {
		if d.Name == "" || len(d.Steps) == 0 {
			return nil, fmt.Errorf("ext: chain definition needs a name and steps")
		}
		r.defs[d.Name] = d
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ChainRegistry) validate() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.defs))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("ext: chain cycle through %q", name)
		case black:
			return nil
		}
		color[name] = grey
		def, ok := r.defs[name]
		if !ok {
			return fmt.Errorf("ext: chain %q references undefined sub-chain", name)
		}
		for _, step := range def.Steps {
			if step.SubChain != "" {
				if err := visit(step.SubChain); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for name := range r.defs {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named definition.
func (r *ChainRegistry) Get(name string) (ChainDefinition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// ChainState is the durable per-chain progress record.
type ChainState struct {
	ChainID        string                           `json:"chain_id"`
	ChainName      string                           `json:"chain_name"`
	OriginAction   core.Action                      `json:"origin_action"`
	StepIndex      int                              `json:"step_index"`
	StepsCompleted []string                         `json:"steps_completed"`
	Responses      map[string]core.ProviderResponse `json:"responses"`
	Status         ChainStatus                      `json:"status"`
	Error          string                           `json:"error,omitempty"`
	StartedAt      time.Time                        `json:"started_at"`
	UpdatedAt      time.Time                        `json:"updated_at"`
}

// StepExecutor is the slice of the executor the chain manager drives.
type StepExecutor interface {
	Execute(ctx context.Context, action core.Action, provider string) core.ActionOutcome
}

// ChainManager creates and advances chain state over the state substrate.
// Per-(namespace, tenant, chain_id) transitions are serialized by CAS on
// the entry version.
type ChainManager struct {
	store    state.Store
	registry *ChainRegistry
	exec     StepExecutor
	// TerminalTTL bounds how long completed/failed chain state lingers.
	TerminalTTL time.Duration
	now         func() time.Time
}

func NewChainManager(store state.Store, registry *ChainRegistry, exec StepExecutor) *ChainManager {
	return &ChainManager{
		store:       store,
		registry:    registry,
		exec:        exec,
		TerminalTTL: 24 * time.Hour,
		now:         time.Now,
	}
}

func chainKey(namespace, tenant, chainID string) string {
	return state.CanonicalKey(namespace, tenant, state.KindChainState, chainID)
}

// Start creates a new chain for the origin action. The returned state has
// step_index 0; advancement happens through Advance.
func (m *ChainManager) Start(ctx context.Context, action core.Action, chainName string) (ChainState, error) {
	def, ok := m.registry.Get(chainName)
	if !ok {
		return ChainState{}, fmt.Errorf("ext: chain %q is not defined", chainName)
	}
	cs := ChainState{
		ChainID:      uuid.NewString(),
		ChainName:    chainName,
		OriginAction: action,
		StepIndex:    0,
		Responses:    make(map[string]core.ProviderResponse),
		Status:       ChainRunning,
		StartedAt:    m.now().UTC(),
		UpdatedAt:    m.now().UTC(),
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return ChainState{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	key := chainKey(action.Namespace, action.Tenant, cs.ChainID)
	swapped, _, err := m.store.CompareAndSwap(ctx, key, 0, raw, 0)
	if err != nil {
		return ChainState{}, err
	}
	if !swapped {
		return ChainState{}, fmt.Errorf("ext: chain id collision for %s", cs.ChainID)
	}
	if def.StepTimeout > 0 {
		m.armStepTimeout(ctx, action.Namespace, action.Tenant, cs.ChainID, def.StepTimeout)
	}
	return cs, nil
}

// StepNames returns the step names of a definition in order.
func (d ChainDefinition) StepNames() []string {
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = s.Name
	}
	return out
}

// Definition returns the named chain definition from the registry.
func (m *ChainManager) Definition(name string) (ChainDefinition, bool) {
	return m.registry.Get(name)
}

// Load reads the chain state.
func (m *ChainManager) Load(ctx context.Context, namespace, tenant, chainID string) (ChainState, bool, error) {
	raw, _, ok, err := m.store.GetVersioned(ctx, chainKey(namespace, tenant, chainID))
	if err != nil || !ok {
		return ChainState{}, false, err
	}
	var cs ChainState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return ChainState{}, false, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	return cs, true, nil
}

// Advance executes the next step of a running chain and persists the
// result under CAS. Sub-chain steps start the referenced chain and
// record its id as the step response.
func (m *ChainManager) Advance(ctx context.Context, namespace, tenant, chainID string) (ChainState, error) {
	key := chainKey(namespace, tenant, chainID)
	raw, version, ok, err := m.store.GetVersioned(ctx, key)
	if err != nil {
		return ChainState{}, err
	}
	if !ok {
		return ChainState{}, fmt.Errorf("ext: chain %s not found", chainID)
	}
	var cs ChainState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return ChainState{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	if cs.Status != ChainRunning {
		return cs, fmt.Errorf("ext: chain %s is %s, not running", chainID, cs.Status)
	}
	def, ok := m.registry.Get(cs.ChainName)
	if !ok {
		return cs, fmt.Errorf("ext: chain %q is no longer defined", cs.ChainName)
	}
	if cs.StepIndex >= len(def.Steps) {
		return cs, fmt.Errorf("ext: chain %s has no remaining steps", chainID)
	}
	step := def.Steps[cs.StepIndex]

	now := m.now().UTC()
	ttl := time.Duration(0)
	if step.SubChain != "" {
		sub, err := m.Start(ctx, cs.OriginAction, step.SubChain)
		if err != nil {
			cs.Status = ChainFailed
			cs.Error = err.Error()
		} else {
			cs.Responses[step.Name] = core.SuccessResponse(map[string]any{"chain_id": sub.ChainID})
			cs.StepsCompleted = append(cs.StepsCompleted, step.Name)
			cs.StepIndex++
		}
	} else {
		stepAction := cs.OriginAction.Clone()
		stepAction.ID = cs.OriginAction.ID + ":" + step.Name
		stepAction.Provider = step.Provider
		if step.ActionType != "" {
			stepAction.ActionType = step.ActionType
		}
		outcome := m.exec.Execute(ctx, stepAction, step.Provider)
		switch outcome.Kind {
		case core.OutcomeExecuted:
			cs.Responses[step.Name] = *outcome.Response
			cs.StepsCompleted = append(cs.StepsCompleted, step.Name)
			cs.StepIndex++
		default:
			cs.Status = ChainFailed
			if outcome.Err != nil {
				cs.Error = outcome.Err.Message
			}
		}
	}

	if cs.Status == ChainRunning && cs.StepIndex >= len(def.Steps) {
		cs.Status = ChainCompleted
	}
	cs.UpdatedAt = now
	if cs.Status != ChainRunning {
		ttl = m.TerminalTTL
		m.disarmStepTimeout(ctx, namespace, tenant, chainID)
	} else if def.StepTimeout > 0 {
		m.armStepTimeout(ctx, namespace, tenant, chainID, def.StepTimeout)
	}

	next, err := json.Marshal(cs)
	if err != nil {
		return cs, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	swapped, conflict, err := m.store.CompareAndSwap(ctx, key, version, next, ttl)
	if err != nil {
		return cs, err
	}
	if !swapped {
		return cs, fmt.Errorf("ext: concurrent chain advance (version %d)", conflict.CurrentVersion)
	}
	return cs, nil
}

// chainTimeoutKey indexes the per-step timeout through the same
// event_timeout machinery the state machines use.
func chainTimeoutKey(namespace, tenant, chainID string) string {
	return state.CanonicalKey(namespace, tenant, state.KindEventTimeout, "chain:"+chainID)
}

func (m *ChainManager) armStepTimeout(ctx context.Context, namespace, tenant, chainID string, d time.Duration) {
	key := chainTimeoutKey(namespace, tenant, chainID)
	deadline := m.now().Add(d)
	payload, _ := json.Marshal(map[string]any{"chain_id": chainID, "expires_at_ms": deadline.UnixMilli()})
	if err := m.store.Set(ctx, key, payload, d+time.Minute); err != nil {
		return
	}
	_ = m.store.IndexTimeout(ctx, key, deadline.UnixMilli())
}

func (m *ChainManager) disarmStepTimeout(ctx context.Context, namespace, tenant, chainID string) {
	key := chainTimeoutKey(namespace, tenant, chainID)
	_, _ = m.store.Delete(ctx, key)
	_ = m.store.RemoveTimeoutIndex(ctx, key)
}

// TimeOut marks a running chain TimedOut, driven by the background
// processor when a step deadline expires.
func (m *ChainManager) TimeOut(ctx context.Context, namespace, tenant, chainID string) error {
	key := chainKey(namespace, tenant, chainID)
	raw, version, ok, err := m.store.GetVersioned(ctx, key)
	if err != nil || !ok {
		return err
	}
	var cs ChainState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	if cs.Status != ChainRunning {
		return nil
	}
	cs.Status = ChainTimedOut
	cs.UpdatedAt = m.now().UTC()
	next, _ := json.Marshal(cs)
	_, _, err = m.store.CompareAndSwap(ctx, key, version, next, m.TerminalTTL)
	return err
}
