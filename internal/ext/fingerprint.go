// Package ext implements Acteon's stateful extensions: chains, event
// groups, event state machines, quotas, scheduled and recurring actions,
// approvals, and retention, all persisted through the state substrate.
package ext

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/penserai/acteon/internal/core"
)

// Fingerprint computes a stable identifier for an event: a SHA-256 over
// the routing tuple plus the selected payload fields in sorted order.
// With no fields selected, the whole payload participates.
func Fingerprint(action core.Action, fields []string) string {
	h := sha256.New()
	h.Write([]byte(action.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(action.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(action.ActionType))
	h.Write([]byte{0})

	if len(fields) == 0 {
		for _, k := range sortedKeys(action.Payload) {
			fields = append(fields, k)
		}
	} else {
		fields = append([]string(nil), fields...)
		sort.Strings(fields)
	}
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
		if v, ok := lookupPath(action.Payload, f); ok {
			b, _ := json.Marshal(v)
			h.Write(b)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookupPath resolves a dot path like "labels.host" inside a JSON-shaped
// map.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
