// Package wasmhost implements Acteon's sandboxed plugin-call capability
// backing the WasmCall rule node. "WASM" here is a goja JavaScript
// sandbox per plugin invocation: a fresh VM per call, injected globals,
// and a named entry-point function. Plugins get narrow, bounded
// execution with no access to the host process beyond the input map.
package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ErrPluginNotFound is returned when Invoke references an unregistered plugin.
var ErrPluginNotFound = errors.New("wasmhost: plugin not found")

// Plugin is a single registered script: a self-contained source string
// exposing one or more boolean-returning entry-point functions.
type Plugin struct {
	Name   string
	Source string
}

// Runtime hosts a directory of plugins, loaded once, invoked repeatedly
// with per-call isolation (a fresh goja.Runtime for every Invoke, so
// plugins cannot leak state across rule evaluations).
type Runtime struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// New constructs an empty Runtime. Load plugins with LoadDirectory or Register.
func New() *Runtime {
	return &Runtime{plugins: make(map[string]Plugin)}
}

// LoadDirectory registers every .js file directly under dir as a plugin
// named after its base filename.
func (r *Runtime) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("wasmhost: read directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		source, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("wasmhost: read %s: %w", e.Name(), err)
		}
		r.Register(strings.TrimSuffix(e.Name(), ".js"), string(source))
	}
	return nil
}

// Register adds or replaces a plugin by name.
func (r *Runtime) Register(name, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = Plugin{Name: name, Source: source}
}

// Invoke runs plugin.function(input) and returns its boolean verdict. The
// ctx parameter bounds call duration via its deadline; goja itself offers
// no cooperative cancellation, so a watchdog goroutine interrupts the VM
// when ctx is done.
func (r *Runtime) Invoke(ctx context.Context, plugin, function string, input map[string]any) (bool, error) {
	r.mu.RLock()
	p, ok := r.plugins[plugin]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPluginNotFound, plugin)
	}

	vm := goja.New()

	if _, err := vm.RunString(p.Source); err != nil {
		return false, fmt.Errorf("load plugin %q: %w", plugin, err)
	}

	entry, ok := goja.AssertFunction(vm.Get(function))
	if !ok {
		return false, fmt.Errorf("plugin %q: entry point %q is not a function", plugin, function)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("deadline exceeded")
		case <-done:
		}
	}()
	defer close(done)

	result, err := entry(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return false, fmt.Errorf("invoke %s.%s: %w", plugin, function, err)
	}

	return result.ToBoolean(), nil
}
