package ext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/internal/core"
)

// RecurringRule re-dispatches an action template on a cron schedule.
type RecurringRule struct {
	ID        string      `json:"id" yaml:"id"`
	CronSpec  string      `json:"cron" yaml:"cron"`
	Action    core.Action `json:"action" yaml:"action"`
	Enabled   bool        `json:"enabled" yaml:"enabled"`
	NextRunAt time.Time   `json:"next_run_at"`
	LastRunAt time.Time   `json:"last_run_at,omitempty"`
}

// RecurringManager persists recurring rules in the state substrate and
// surfaces due instances to the background processor. Standard 5-field
// cron expressions are parsed with robfig/cron.
type RecurringManager struct {
	store  state.Store
	parser cron.Parser
	now    func() time.Time
}

func NewRecurringManager(store state.Store) *RecurringManager {
	return &RecurringManager{
		store:  store,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:    time.Now,
	}
}

func recurringKey(namespace, tenant, id string) string {
	return state.CanonicalKey(namespace, tenant, state.KindRecurring, id)
}

// Set validates the cron spec, computes the first run, and persists the
// rule.
func (r *RecurringManager) Set(ctx context.Context, rule RecurringRule) error {
	if rule.ID == "" {
		return fmt.Errorf("ext: recurring rule needs an id")
	}
	schedule, err := r.parser.Parse(rule.CronSpec)
	if err != nil {
		return fmt.Errorf("ext: recurring rule %q: invalid cron spec: %w", rule.ID, err)
	}
	if rule.NextRunAt.IsZero() {
		rule.NextRunAt = schedule.Next(r.now().UTC())
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrSerialization, err)
	}
	return r.store.Set(ctx, recurringKey(rule.Action.Namespace, rule.Action.Tenant, rule.ID), raw, 0)
}

// Delete removes a recurring rule.
func (r *RecurringManager) Delete(ctx context.Context, namespace, tenant, id string) (bool, error) {
	return r.store.Delete(ctx, recurringKey(namespace, tenant, id))
}

// Due returns enabled rules whose next run has arrived, advancing each
// rule's next_run_at before returning so a crash between Due and
// dispatch skips, not repeats, an occurrence.
func (r *RecurringManager) Due(ctx context.Context, now time.Time) ([]RecurringRule, error) {
	kvs, err := r.store.ScanKeysByKind(ctx, state.KindRecurring)
	if err != nil {
		return nil, err
	}
	var out []RecurringRule
	for _, kv := range kvs {
		var rule RecurringRule
		if err := json.Unmarshal(kv.Value, &rule); err != nil {
			continue
		}
		if !rule.Enabled || rule.NextRunAt.After(now) {
			continue
		}
		schedule, err := r.parser.Parse(rule.CronSpec)
		if err != nil {
			continue
		}
		rule.LastRunAt = now.UTC()
		rule.NextRunAt = schedule.Next(now.UTC())
		raw, err := json.Marshal(rule)
		if err != nil {
			continue
		}
		if err := r.store.Set(ctx, kv.Key, raw, 0); err != nil {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// List returns every recurring rule.
func (r *RecurringManager) List(ctx context.Context) ([]RecurringRule, error) {
	kvs, err := r.store.ScanKeysByKind(ctx, state.KindRecurring)
	if err != nil {
		return nil, err
	}
	out := make([]RecurringRule, 0, len(kvs))
	for _, kv := range kvs {
		var rule RecurringRule
		if err := json.Unmarshal(kv.Value, &rule); err != nil {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}
