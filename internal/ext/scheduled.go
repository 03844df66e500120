package ext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
)

// ScheduledEntry is one action persisted for future dispatch.
type ScheduledEntry struct {
	Action   core.Action `json:"action"`
	DueAt    time.Time   `json:"due_at"`
	Attempts int         `json:"attempts"`

	// key is the canonical state key the entry was read from.
	key string
}

// Key returns the canonical state key of a loaded entry.
func (e ScheduledEntry) Key() string { return e.key }

// ScheduledManager persists delayed actions and hands due entries to the
// background processor, which claims each with a single-winner sub-key
// before re-dispatching.
type ScheduledManager struct {
	store state.Store
	now   func() time.Time
	// ClaimTTL bounds how long a claim blocks other nodes.
	ClaimTTL time.Duration
	// MaxAttempts bounds re-scheduling of retryable dispatch failures.
	MaxAttempts int
}

func NewScheduledManager(store state.Store) *ScheduledManager {
	return &ScheduledManager{store: store, now: time.Now, ClaimTTL: time.Minute, MaxAttempts: 5}
}

// scheduledID orders entries by due time first so scans list them in
// dispatch order.
func scheduledID(dueAt time.Time, actionID string) string {
	return dueAt.UTC().Format(time.RFC3339) + "|" + actionID
}

// Schedule persists the action for dispatch after delay.
func (s *ScheduledManager) Schedule(ctx context.Context, action core.Action, delay time.Duration) (string, time.Time, error) {
	dueAt := s.now().UTC().Add(delay)
	entry := ScheduledEntry{Action: action, DueAt: dueAt}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	id := scheduledID(dueAt, action.ID)
	key := state.CanonicalKey(action.Namespace, action.Tenant, state.KindScheduled, id)
	if err := s.store.Set(ctx, key, raw, 0); err != nil {
		return "", time.Time{}, err
	}
	return action.ID, dueAt, nil
}

// Due returns entries whose due_at has passed, oldest first.
func (s *ScheduledManager) Due(ctx context.Context, now time.Time) ([]ScheduledEntry, error) {
	kvs, err := s.store.ScanKeysByKind(ctx, state.KindScheduled)
	if err != nil {
		return nil, err
	}
	var out []ScheduledEntry
	for _, kv := range kvs {
		var entry ScheduledEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		if entry.DueAt.After(now) {
			continue
		}
		entry.key = kv.Key
		out = append(out, entry)
	}
	return out, nil
}

// Claim takes the single-winner claim sub-key for an entry. Exactly one
// node wins per ClaimTTL window.
func (s *ScheduledManager) Claim(ctx context.Context, entry ScheduledEntry) (bool, error) {
	return s.store.CheckAndSet(ctx, entry.key+":claim", []byte("1"), s.ClaimTTL)
}

// Complete removes a dispatched entry and its claim.
func (s *ScheduledManager) Complete(ctx context.Context, entry ScheduledEntry) error {
	if _, err := s.store.Delete(ctx, entry.key); err != nil {
		return err
	}
	_, err := s.store.Delete(ctx, entry.key+":claim")
	return err
}

// Reschedule pushes a retryably-failed entry forward. Once MaxAttempts
// is reached the entry is dropped and false returned.
func (s *ScheduledManager) Reschedule(ctx context.Context, entry ScheduledEntry, backoff time.Duration) (bool, error) {
	entry.Attempts++
	if entry.Attempts >= s.MaxAttempts {
		return false, s.Complete(ctx, entry)
	}
	if err := s.Complete(ctx, entry); err != nil {
		return false, err
	}
	entry.DueAt = s.now().UTC().Add(backoff)
	raw, err := json.Marshal(ScheduledEntry{Action: entry.Action, DueAt: entry.DueAt, Attempts: entry.Attempts})
	if err != nil {
		return false, fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	id := scheduledID(entry.DueAt, entry.Action.ID)
	key := state.CanonicalKey(entry.Action.Namespace, entry.Action.Tenant, state.KindScheduled, id)
	return true, s.store.Set(ctx, key, raw, 0)
}
