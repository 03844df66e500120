// Package eval implements the asynchronous evaluator for Acteon's
// expression IR: a typed AST walker producing ir.Value with a
// value domain, identifier resolution, and the domain-specific state/
// event/WASM/semantic-match built-ins.
package eval

import (
	"context"
	"time"

	"github.com/penserai/acteon/internal/core"
	"github.com/penserai/acteon/internal/ir"
)

// StateReader is the slice of the state store the evaluator needs for
// StateGet/StateCounter/StateTimeSince. Kept narrow (capability
// interfaces, per the design notes) rather than depending on the full
// state.Store contract.
type StateReader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// EventReader backs HasActiveEvent/GetEventState/EventInState.
type EventReader interface {
	// ActiveEventExists reports whether an event of eventType (optionally
	// filtered to a label value) is in a non-terminal state.
	ActiveEventExists(ctx context.Context, namespace, tenant, eventType string, labelValue *string) (bool, error)
	// State returns the current state string for a fingerprint, or false
	// if no event-state entry exists.
	State(ctx context.Context, namespace, tenant, fingerprint string) (string, bool, error)
}

// WasmRuntime backs WasmCall. Implemented by internal/wasmhost.
type WasmRuntime interface {
	Invoke(ctx context.Context, plugin, function string, input map[string]any) (verdict bool, err error)
}

// WasmCounters records WASM invocation/error counts for observability.
type WasmCounters interface {
	RecordInvocation()
	RecordError()
}

// EmbeddingProvider backs SemanticMatch: embeds text and exposes
// topic embeddings to compare against via cosine similarity.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	TopicEmbedding(ctx context.Context, topic string) ([]float64, error)
}

// AccessTracker records identifier/environment-key access for the rule
// playground trace.
type AccessTracker interface {
	RecordEnvKey(name string)
}

// Context carries everything an evaluation needs: the action under
// evaluation, the shared capability interfaces, and the clock/timezone
// used to resolve `now`/`time`.
type Context struct {
	Action      core.Action
	State       StateReader
	Events      EventReader
	Environment map[string]string
	Now         time.Time
	Timezone    *time.Location // nil means UTC

	Wasm         WasmRuntime
	WasmCounters WasmCounters
	Embeddings   EmbeddingProvider
	Access       AccessTracker

	actionValue ir.Value
	actionInit  bool
	timeValue   ir.Value
	timeInit    bool
}

func (c *Context) resolvedAction() ir.Value {
	if !c.actionInit {
		c.actionValue = ir.FromAny(c.Action.ToValueMap())
		c.actionInit = true
	}
	return c.actionValue
}
