package ext

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
)

// GroupEvent is one event appended to a group, in insertion order.
type GroupEvent struct {
	ActionID string         `json:"action_id"`
	Payload  map[string]any `json:"payload"`
	AddedAt  time.Time      `json:"added_at"`
}

// EventGroup is the durable window-bounded aggregate.
type EventGroup struct {
	GroupID  string            `json:"group_id"`
	GroupKey string            `json:"group_key"`
	Events   []GroupEvent      `json:"events"`
	Labels   map[string]string `json:"labels,omitempty"`
	NotifyAt time.Time         `json:"notify_at"`
	TraceCtx map[string]string `json:"trace_ctx,omitempty"`

	Namespace string `json:"namespace"`
	Tenant    string `json:"tenant"`
}

// GroupManager appends events to groups under CAS and flushes due groups
// with a single-winner sentinel.
type GroupManager struct {
	store state.Store
	now   func() time.Time
	// casAttempts bounds the optimistic append retry loop.
	casAttempts int
}

func NewGroupManager(store state.Store) *GroupManager {
	return &GroupManager{store: store, now: time.Now, casAttempts: 8}
}

// groupKeyFrom resolves the selected keys against the action. Keys may be
// top-level fields (action_type, provider), metadata entries, or dotted
// payload paths.
func groupKeyFrom(action core.Action, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch k {
		case "action_type":
			parts = append(parts, action.ActionType)
		case "provider":
			parts = append(parts, action.Provider)
		case "namespace":
			parts = append(parts, action.Namespace)
		case "tenant":
			parts = append(parts, action.Tenant)
		default:
			if v, ok := action.Metadata[k]; ok {
				parts = append(parts, v)
				continue
			}
			if v, ok := lookupPath(action.Payload, k); ok {
				b, _ := json.Marshal(v)
				parts = append(parts, string(b))
				continue
			}
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, "|")
}

func groupID(groupKey string) string {
	sum := sha256.Sum256([]byte(groupKey))
	return hex.EncodeToString(sum[:])[:16]
}

// Add appends the action to its group, creating the group with
// notify_at = now + window when it is the first event. The append is an
// optimistic CAS loop: concurrent adders retry against the fresh version.
func (g *GroupManager) Add(ctx context.Context, action core.Action, keys []string, window time.Duration) (EventGroup, error) {
	gk := groupKeyFrom(action, keys)
	id := groupID(gk)
	key := state.CanonicalKey(action.Namespace, action.Tenant, state.KindGroup, id)
	now := g.now().UTC()
	event := GroupEvent{ActionID: action.ID, Payload: action.Payload, AddedAt: now}

	for attempt := 0; attempt < g.casAttempts; attempt++ {
		raw, version, ok, err := g.store.GetVersioned(ctx, key)
		if err != nil {
			return EventGroup{}, err
		}
		var group EventGroup
		if ok {
			if err := json.Unmarshal(raw, &group); err != nil {
				return EventGroup{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
			}
		} else {
			group = EventGroup{
				GroupID:   id,
				GroupKey:  gk,
				NotifyAt:  now.Add(window),
				Namespace: action.Namespace,
				Tenant:    action.Tenant,
				Labels:    map[string]string{},
			}
			for _, k := range keys {
				if v, ok := action.Metadata[k]; ok {
					group.Labels[k] = v
				}
			}
		}
		group.Events = append(group.Events, event)

		next, err := json.Marshal(group)
		if err != nil {
			return EventGroup{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
		}
		ttl := group.NotifyAt.Sub(now) + time.Hour
		swapped, _, err := g.store.CompareAndSwap(ctx, key, version, next, ttl)
		if err != nil {
			return EventGroup{}, err
		}
		if swapped {
			return group, nil
		}
	}
	return EventGroup{}, fmt.Errorf("ext: group append contention on %s", id)
}

// Due returns groups whose notify_at has passed.
func (g *GroupManager) Due(ctx context.Context, now time.Time) ([]EventGroup, error) {
	kvs, err := g.store.ScanKeysByKind(ctx, state.KindGroup)
	if err != nil {
		return nil, err
	}
	var out []EventGroup
	for _, kv := range kvs {
		var group EventGroup
		if err := json.Unmarshal(kv.Value, &group); err != nil {
			continue
		}
		if !group.NotifyAt.After(now) {
			out = append(out, group)
		}
	}
	return out, nil
}

// Flush claims the flush sentinel for the group; exactly one caller wins
// across nodes. The winner receives true and must emit the flush event;
// the group entry is deleted either way once claimed.
func (g *GroupManager) Flush(ctx context.Context, group EventGroup) (bool, error) {
	key := state.CanonicalKey(group.Namespace, group.Tenant, state.KindGroup, group.GroupID)
	won, err := g.store.CheckAndSet(ctx, key+":flushed", []byte("1"), time.Hour)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	_, err = g.store.Delete(ctx, key)
	return true, err
}

// Get reads one group by id.
func (g *GroupManager) Get(ctx context.Context, namespace, tenant, id string) (EventGroup, bool, error) {
	raw, _, ok, err := g.store.GetVersioned(ctx, state.CanonicalKey(namespace, tenant, state.KindGroup, id))
	if err != nil || !ok {
		return EventGroup{}, false, err
	}
	var group EventGroup
	if err := json.Unmarshal(raw, &group); err != nil {
		return EventGroup{}, false, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	return group, true, nil
}
