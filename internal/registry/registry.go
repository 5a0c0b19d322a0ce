// Package registry implements the Operation Registry: the dynamic catalogue
// of named operations every task/source/sink plugin is looked up in.
//
// Plugin dispatch is compiled-in: concrete operations live under
// internal/operations and call Register from an init() function. A
// process-wide Global registry
// exists for that init()-time convenience, but internal/flow always threads
// an explicit *Registry through construction (defaulting to a snapshot of
// Global) so orchestration stays dependency-injected and testable.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
)

// Status is the outcome of a task or operation invocation.
type Status string

const (
	StatusOk Status = "Ok"
	StatusKo Status = "Ko"
)

// Result is the uniform shape every operation Run call returns.
type Result struct {
	Status Status         `json:"status"`
	Error  string         `json:"error"`
	Output map[string]any `json:"output"`
}

// Metadata describes an operation for introspection/listing purposes.
type Metadata struct {
	Name        string
	Version     string
	Description string
}

// Operation is the contract every task implementation ("plugin") obeys.
type Operation interface {
	// Validate type-checks and normalises params. It is pure and
	// side-effect free; called once per task invocation or loop iteration.
	Validate(params map[string]any) error

	// Run performs the work. sender is the stage name used when emitting
	// messages; inbound/outbound are the stage's channel endpoints (nil
	// slices for plain, non-streaming tasks).
	Run(ctx context.Context, sender string, inbound, outbound []message.Endpoint, params map[string]any) (Result, error)

	// SetDatastore injects the shared Store for operations that need one.
	// Operations that don't need a store may implement it as a no-op.
	SetDatastore(store kvstore.Store)

	// Metadata returns the operation's name, version, and description.
	Metadata() Metadata
}

// Factory constructs a fresh Operation instance. Operations are
// instantiated per registry lookup rather than shared, so per-operation
// state (e.g. a cached HTTP client) never leaks across unrelated tasks
// sharing the same plugin name.
type Factory func() Operation

// Registry is a named catalogue of operation factories. The zero value is
// not usable; construct with New.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factory under name, overwriting any existing registration.
// Duplicate registration is allowed but surfaced with a warning so
// accidental shadowing is visible in logs.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		slog.Warn("registry: overwriting existing operation registration", "plugin", name)
	}
	r.factories[name] = factory
}

// Lookup returns a fresh Operation instance for name, or ok=false when no
// such plugin is registered (PluginMissing).
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Names returns every registered plugin name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Clone returns a new Registry carrying a snapshot of r's current
// registrations, used by internal/flow to build a dependency-injected
// registry from Global without sharing its mutex across unrelated flows.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := New()
	for name, factory := range r.factories {
		out.factories[name] = factory
	}
	return out
}

// Global is the process-wide registry populated by internal/operations'
// init() functions. See the package doc for why internal/flow does not
// depend on it directly.
var Global = New()

// Register adds factory under name in the Global registry. Operations call
// this from their own package's init().
func Register(name string, factory Factory) {
	Global.Register(name, factory)
}
