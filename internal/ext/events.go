package ext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
)

// TimeoutSpec arms an automatic transition when an event lingers in a
// state past After.
type TimeoutSpec struct {
	After        time.Duration `json:"after" yaml:"after"`
	TransitionTo string        `json:"transition_to" yaml:"transition_to"`
}

// Machine is a named event state machine definition.
type Machine struct {
	Name     string                 `json:"name" yaml:"name"`
	States   []string               `json:"states" yaml:"states"`
	Initial  string                 `json:"initial" yaml:"initial"`
	Terminal []string               `json:"terminal" yaml:"terminal"`
	Timeouts map[string]TimeoutSpec `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	// NotifyOn lists states whose entry should emit a notification.
	NotifyOn []string `json:"notify_on,omitempty" yaml:"notify_on,omitempty"`
}

func (m Machine) hasState(s string) bool {
	for _, st := range m.States {
		if st == s {
			return true
		}
	}
	return false
}

func (m Machine) isTerminal(s string) bool {
	for _, st := range m.Terminal {
		if st == s {
			return true
		}
	}
	return false
}

func (m Machine) notifies(s string) bool {
	for _, st := range m.NotifyOn {
		if st == s {
			return true
		}
	}
	return false
}

// EventState is the durable per-fingerprint record.
type EventState struct {
	Fingerprint    string    `json:"fingerprint"`
	MachineName    string    `json:"machine_name"`
	EventType      string    `json:"event_type,omitempty"`
	Label          string    `json:"label,omitempty"`
	State          string    `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
	TransitionedBy string    `json:"transitioned_by,omitempty"`
}

// eventTimeout is the companion entry written under kind event_timeout
// and indexed by expiry for O(log N + M) discovery.
type eventTimeout struct {
	Fingerprint  string `json:"fingerprint"`
	Namespace    string `json:"namespace"`
	Tenant       string `json:"tenant"`
	TransitionTo string `json:"transition_to"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
}

// EventManager owns event state machines. Per-fingerprint transitions
// are serialized by CAS on the entry version. It also implements the
// evaluator's EventReader capability.
type EventManager struct {
	store    state.Store
	machines map[string]Machine
	now      func() time.Time
}

func NewEventManager(store state.Store, machines []Machine) (*EventManager, error) {
	m := &EventManager{store: store, machines: make(map[string]Machine, len(machines)), now: time.Now}
	for _, machine := range machines {
		if machine.Name == "" || len(machine.States) == 0 {
			return nil, fmt.Errorf("ext: machine needs a name and states")
		}
		if machine.Initial != "" && !machine.hasState(machine.Initial) {
			return nil, fmt.Errorf("ext: machine %q initial state %q is not declared", machine.Name, machine.Initial)
		}
		for from, spec := range machine.Timeouts {
			if !machine.hasState(from) || !machine.hasState(spec.TransitionTo) {
				return nil, fmt.Errorf("ext: machine %q timeout references undeclared state", machine.Name)
			}
		}
		m.machines[machine.Name] = machine
	}
	return m, nil
}

// Machine returns the named machine definition.
func (m *EventManager) Machine(name string) (Machine, bool) {
	mc, ok := m.machines[name]
	return mc, ok
}

func eventStateKey(namespace, tenant, fingerprint string) string {
	return state.CanonicalKey(namespace, tenant, state.KindEventState, fingerprint)
}

func eventTimeoutKey(namespace, tenant, fingerprint string) string {
	return state.CanonicalKey(namespace, tenant, state.KindEventTimeout, fingerprint)
}

// TransitionResult is the outcome of one state transition.
type TransitionResult struct {
	Fingerprint string
	From        string
	To          string
	Notify      bool
}

// Transition CAS-moves the fingerprint's event to toState, creating the
// entry at the machine's initial state when absent. A timeout configured
// for toState is armed; any previous timeout is disarmed.
func (m *EventManager) Transition(ctx context.Context, namespace, tenant, fingerprint, machineName, toState, by string) (TransitionResult, error) {
	machine, ok := m.machines[machineName]
	if !ok {
		return TransitionResult{}, fmt.Errorf("ext: machine %q is not defined", machineName)
	}
	if !machine.hasState(toState) {
		return TransitionResult{}, fmt.Errorf("ext: machine %q has no state %q", machineName, toState)
	}

	key := eventStateKey(namespace, tenant, fingerprint)
	raw, version, exists, err := m.store.GetVersioned(ctx, key)
	if err != nil {
		return TransitionResult{}, err
	}

	es := EventState{Fingerprint: fingerprint, MachineName: machineName, State: machine.Initial}
	if exists {
		if err := json.Unmarshal(raw, &es); err != nil {
			return TransitionResult{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
		}
	}
	from := es.State
	es.State = toState
	es.UpdatedAt = m.now().UTC()
	es.TransitionedBy = by

	next, err := json.Marshal(es)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	swapped, conflict, err := m.store.CompareAndSwap(ctx, key, version, next, 0)
	if err != nil {
		return TransitionResult{}, err
	}
	if !swapped {
		return TransitionResult{}, fmt.Errorf("ext: concurrent transition on %s (version %d)", fingerprint, conflict.CurrentVersion)
	}

	m.disarmTimeout(ctx, namespace, tenant, fingerprint)
	if spec, ok := machine.Timeouts[toState]; ok {
		m.armTimeout(ctx, namespace, tenant, fingerprint, spec)
	}

	return TransitionResult{
		Fingerprint: fingerprint,
		From:        from,
		To:          toState,
		Notify:      machine.notifies(toState),
	}, nil
}

func (m *EventManager) armTimeout(ctx context.Context, namespace, tenant, fingerprint string, spec TimeoutSpec) {
	key := eventTimeoutKey(namespace, tenant, fingerprint)
	deadline := m.now().Add(spec.After)
	payload, _ := json.Marshal(eventTimeout{
		Fingerprint:  fingerprint,
		Namespace:    namespace,
		Tenant:       tenant,
		TransitionTo: spec.TransitionTo,
		ExpiresAtMs:  deadline.UnixMilli(),
	})
	if err := m.store.Set(ctx, key, payload, spec.After+time.Hour); err != nil {
		return
	}
	_ = m.store.IndexTimeout(ctx, key, deadline.UnixMilli())
}

func (m *EventManager) disarmTimeout(ctx context.Context, namespace, tenant, fingerprint string) {
	key := eventTimeoutKey(namespace, tenant, fingerprint)
	_, _ = m.store.Delete(ctx, key)
	_ = m.store.RemoveTimeoutIndex(ctx, key)
}

// ProcessTimeout consumes one expired timeout entry: CAS the paired
// event state to the configured transition, delete the entry, remove the
// index key. Returns the resulting transition, or false when the entry
// was already consumed or is not an event timeout.
func (m *EventManager) ProcessTimeout(ctx context.Context, timeoutKey string) (TransitionResult, bool, error) {
	raw, _, ok, err := m.store.GetVersioned(ctx, timeoutKey)
	if err != nil || !ok {
		return TransitionResult{}, false, err
	}
	var to eventTimeout
	if err := json.Unmarshal(raw, &to); err != nil || to.Fingerprint == "" {
		return TransitionResult{}, false, nil
	}

	skey := eventStateKey(to.Namespace, to.Tenant, to.Fingerprint)
	sraw, version, exists, err := m.store.GetVersioned(ctx, skey)
	if err != nil {
		return TransitionResult{}, false, err
	}
	if !exists {
		m.disarmTimeout(ctx, to.Namespace, to.Tenant, to.Fingerprint)
		return TransitionResult{}, false, nil
	}
	var es EventState
	if err := json.Unmarshal(sraw, &es); err != nil {
		return TransitionResult{}, false, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	machine := m.machines[es.MachineName]
	from := es.State
	es.State = to.TransitionTo
	es.UpdatedAt = m.now().UTC()
	es.TransitionedBy = "timeout"
	next, _ := json.Marshal(es)
	swapped, _, err := m.store.CompareAndSwap(ctx, skey, version, next, 0)
	if err != nil {
		return TransitionResult{}, false, err
	}
	m.disarmTimeout(ctx, to.Namespace, to.Tenant, to.Fingerprint)
	if !swapped {
		return TransitionResult{}, false, nil
	}
	return TransitionResult{
		Fingerprint: to.Fingerprint,
		From:        from,
		To:          to.TransitionTo,
		Notify:      machine.notifies(to.TransitionTo),
	}, true, nil
}

// State returns the current state string for a fingerprint, implementing
// eval.EventReader.
func (m *EventManager) State(ctx context.Context, namespace, tenant, fingerprint string) (string, bool, error) {
	raw, _, ok, err := m.store.GetVersioned(ctx, eventStateKey(namespace, tenant, fingerprint))
	if err != nil || !ok {
		return "", false, err
	}
	var es EventState
	if err := json.Unmarshal(raw, &es); err != nil {
		return "", false, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	return es.State, true, nil
}

// ActiveEventExists reports whether an event of eventType (optionally
// filtered by label) is in a non-terminal state, implementing
// eval.EventReader.
func (m *EventManager) ActiveEventExists(ctx context.Context, namespace, tenant, eventType string, labelValue *string) (bool, error) {
	kvs, err := m.store.ScanKeys(ctx, namespace, tenant, state.KindEventState, "")
	if err != nil {
		return false, err
	}
	for _, kv := range kvs {
		var es EventState
		if err := json.Unmarshal(kv.Value, &es); err != nil {
			continue
		}
		if es.EventType != eventType {
			continue
		}
		if labelValue != nil && es.Label != *labelValue {
			continue
		}
		machine, ok := m.machines[es.MachineName]
		if !ok || machine.isTerminal(es.State) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// SetEventMeta updates the event's type/label metadata used by
// ActiveEventExists filtering, creating the entry at the machine's
// initial state when absent.
func (m *EventManager) SetEventMeta(ctx context.Context, namespace, tenant, fingerprint, machineName, eventType, label string) error {
	machine, ok := m.machines[machineName]
	if !ok {
		return fmt.Errorf("ext: machine %q is not defined", machineName)
	}
	key := eventStateKey(namespace, tenant, fingerprint)
	raw, version, exists, err := m.store.GetVersioned(ctx, key)
	if err != nil {
		return err
	}
	es := EventState{Fingerprint: fingerprint, MachineName: machineName, State: machine.Initial}
	if exists {
		if err := json.Unmarshal(raw, &es); err != nil {
			return fmt.Errorf("%w: %v", state.ErrSerialization, err)
		}
	}
	es.EventType = eventType
	es.Label = label
	es.UpdatedAt = m.now().UTC()
	next, _ := json.Marshal(es)
	_, _, err = m.store.CompareAndSwap(ctx, key, version, next, 0)
	return err
}
