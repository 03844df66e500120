package gateway

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/penserai/acteon/internal/core"
)

// TemplateProfile rewrites payload fields through {{path}} placeholders
// before execution, keyed by (provider, action_type). Empty selector
// fields match any value.
type TemplateProfile struct {
	Name       string            `json:"name" yaml:"name"`
	Provider   string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	ActionType string            `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Fields     map[string]string `json:"fields" yaml:"fields"`
}

func (p TemplateProfile) matches(a core.Action) bool {
	if p.Provider != "" && p.Provider != a.Provider {
		return false
	}
	if p.ActionType != "" && p.ActionType != a.ActionType {
		return false
	}
	return true
}

// TemplateRegistry holds the template profiles applied on the Allow
// path.
type TemplateRegistry struct {
	mu       sync.RWMutex
	profiles []TemplateProfile
}

func NewTemplateRegistry(profiles []TemplateProfile) *TemplateRegistry {
	return &TemplateRegistry{profiles: profiles}
}

// Render applies the first matching profile's field templates to the
// action's payload, in place on the (already cloned) action.
func (r *TemplateRegistry) Render(action *core.Action) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if !p.matches(*action) {
			continue
		}
		doc, _ := json.Marshal(action)
		if action.Payload == nil {
			action.Payload = make(map[string]any)
		}
		for field, tmpl := range p.Fields {
			action.Payload[field] = renderPlaceholders(tmpl, doc)
		}
		return
	}
}

// mergePatch applies an RFC 7386-style JSON merge patch onto the
// payload: null deletes, maps merge recursively, everything else
// overwrites.
func mergePatch(target map[string]any, patch map[string]any) map[string]any {
	if target == nil {
		target = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(target, k)
			continue
		}
		if pv, ok := v.(map[string]any); ok {
			if tv, ok := target[k].(map[string]any); ok {
				target[k] = mergePatch(tv, pv)
				continue
			}
			target[k] = mergePatch(nil, pv)
			continue
		}
		target[k] = v
	}
	return target
}

// payloadPath reads a dot path from a JSON-shaped map via gjson.
func payloadPath(m map[string]any, path string) (any, bool) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}
