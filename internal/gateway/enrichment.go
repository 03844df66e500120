package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/penserai/acteon/internal/core"
)

// ResourceLookup is the external-data capability an enrichment invokes.
type ResourceLookup interface {
	Lookup(ctx context.Context, params map[string]any) (map[string]any, error)
}

// FailureMode selects what an enrichment failure does to the dispatch.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// EnrichmentFilter scopes an enrichment to matching actions. Nil fields
// match everything.
type EnrichmentFilter struct {
	Namespace  *string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Tenant     *string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	ActionType *string `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Provider   *string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

func (f EnrichmentFilter) matches(a core.Action) bool {
	if f.Namespace != nil && *f.Namespace != a.Namespace {
		return false
	}
	if f.Tenant != nil && *f.Tenant != a.Tenant {
		return false
	}
	if f.ActionType != nil && *f.ActionType != a.ActionType {
		return false
	}
	if f.Provider != nil && *f.Provider != a.Provider {
		return false
	}
	return true
}

// Enrichment merges external data into matching actions' payloads before
// rule evaluation.
type Enrichment struct {
	Name     string           `json:"name" yaml:"name"`
	Filter   EnrichmentFilter `json:"filter" yaml:"filter"`
	Lookup   string           `json:"lookup" yaml:"lookup"`
	Params   map[string]any   `json:"params" yaml:"params"`
	MergeKey string           `json:"merge_key" yaml:"merge_key"`
	Timeout  time.Duration    `json:"timeout" yaml:"timeout"`
	OnError  FailureMode      `json:"on_error" yaml:"on_error"`
}

// resolveParams renders the enrichment's parameter templates against the
// action. String values may embed {{path}} placeholders resolved with
// dot paths (payload.x.y, namespace, tenant, action_type, provider); a
// placeholder-only string preserves the original JSON type of the value
// it resolves to.
func resolveParams(params map[string]any, action core.Action) map[string]any {
	doc, _ := json.Marshal(action)
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveParamValue(v, doc)
	}
	return out
}

func resolveParamValue(v any, doc []byte) any {
	switch t := v.(type) {
	case string:
		return renderPlaceholders(t, doc)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = resolveParamValue(item, doc)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveParamValue(item, doc)
		}
		return out
	default:
		return v
	}
}

func renderPlaceholders(s string, doc []byte) any {
	trimmed := strings.TrimSpace(s)
	// Placeholder-only strings preserve the resolved JSON type.
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") && strings.Count(trimmed, "{{") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		res := gjson.GetBytes(doc, path)
		if !res.Exists() {
			return nil
		}
		return res.Value()
	}
	var sb strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : open+closing])
		res := gjson.GetBytes(doc, path)
		sb.WriteString(res.String())
		rest = rest[open+closing+2:]
	}
	return sb.String()
}

// enrichmentError marks a FailClosed enrichment failure.
type enrichmentError struct {
	name  string
	cause error
}

func (e *enrichmentError) Error() string {
	return fmt.Sprintf("enrichment %q failed: %v", e.name, e.cause)
}
func (e *enrichmentError) Unwrap() error { return e.cause }
