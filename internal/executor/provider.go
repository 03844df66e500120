// Package executor invokes provider adapters with bounded concurrency,
// per-action timeouts, retry with exponential backoff, per-provider
// circuit breakers, a dead-letter sink, and per-provider health metrics.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/penserai/acteon/internal/core"
)

// Provider is the narrow adapter capability the executor drives. Adapters
// are opaque: the core never looks past this interface.
type Provider interface {
	Name() string
	Execute(ctx context.Context, action core.Action) (core.ProviderResponse, error)
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	ErrConfiguration ErrorKind = iota
	ErrConnection
	ErrSerialization
	ErrExecution
	ErrRateLimited
	ErrTimeout
	ErrCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfiguration:
		return "CONFIGURATION"
	case ErrConnection:
		return "CONNECTION"
	case ErrSerialization:
		return "SERIALIZATION"
	case ErrExecution:
		return "EXECUTION"
	case ErrRateLimited:
		return "RATE_LIMITED"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the kind is in the retryable set
// {Connection, RateLimited, Timeout}.
func (k ErrorKind) Retryable() bool {
	return k == ErrConnection || k == ErrRateLimited || k == ErrTimeout
}

// Error is a provider failure with its taxonomy kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Message }

// NewError builds a provider error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Registry is the provider lookup table owned by the gateway.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider, or false.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
