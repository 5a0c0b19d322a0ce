// Package flow implements the Flow Orchestrator: it validates a decoded
// flow, builds the channel topology between sources, jobs, and sinks,
// launches each stage as a goroutine, and manages shutdown.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/flowerr"
	"github.com/rakunlabs/flowrunner/internal/job"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// State is the flow's lifecycle position.
type State int32

const (
	StateLoaded State = iota
	StateValidated
	StateRunning
	StateShuttingDown
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateValidated:
		return "Validated"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DefaultChannelCapacity bounds every topology channel unless overridden.
const DefaultChannelCapacity = 1024

// Option configures a Flow at construction.
type Option func(*Flow)

// WithRegistry threads an explicit operation registry through the flow
// instead of a snapshot of the global one.
func WithRegistry(reg *registry.Registry) Option {
	return func(f *Flow) { f.reg = reg }
}

// WithChannelCapacity overrides the bounded-channel capacity.
func WithChannelCapacity(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// WithCacheSize overrides the job results cache bound.
func WithCacheSize(n int) Option {
	return func(f *Flow) { f.cacheSize = n }
}

// Flow owns the runnable topology built from a decoded flow file. Stages
// hold only their channel endpoints; the Flow owns the topology graph.
type Flow struct {
	cfg flowcfg.Flow

	reg       *registry.Registry
	capacity  int
	cacheSize int

	store kvstore.Store
	cache *job.ResultsCache

	state atomic.Int32

	// results holds the per-job outcome of the last action-mode run.
	mu      sync.Mutex
	results map[string]any
}

// New builds a Flow from cfg. The registry defaults to a snapshot of the
// global one so orchestration stays dependency-injected for tests.
func New(cfg flowcfg.Flow, opts ...Option) *Flow {
	f := &Flow{
		cfg:      cfg,
		capacity: DefaultChannelCapacity,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.reg == nil {
		f.reg = registry.Global.Clone()
	}

	f.state.Store(int32(StateLoaded))
	return f
}

// Name returns the flow's declared name.
func (f *Flow) Name() string { return f.cfg.Name }

// Kind returns the flow's run mode.
func (f *Flow) Kind() flowcfg.Kind { return f.cfg.Kind }

// Schedule returns the cron expression for cron-kind flows.
func (f *Flow) Schedule() string { return f.cfg.Schedule }

// State returns the flow's current lifecycle state.
func (f *Flow) State() State { return State(f.state.Load()) }

// SetUserPayload injects the request body of an HTTP trigger invocation
// before an action-mode run.
func (f *Flow) SetUserPayload(payload map[string]any) { f.cfg.UserPayload = payload }

// Results returns the per-job results of the last action-mode run, shaped
// as job-name → {status, result}.
func (f *Flow) Results() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]any, len(f.results))
	for k, v := range f.results {
		out[k] = v
	}
	return out
}

func (f *Flow) setState(s State) {
	old := State(f.state.Swap(int32(s)))
	if old != s {
		slog.Info("flow state transition", "flow", f.cfg.Name, "from", old.String(), "to", s.String())
	}
}

// Validate performs the synchronous structural pass: unique stage names,
// resolvable plugins, referenced tasks present, stream flows with at least
// one source, cron flows with a schedule.
func (f *Flow) Validate() error {
	if f.cfg.Name == "" {
		return fmt.Errorf("%w: flow has no name", flowerr.ErrConfig)
	}

	names := make(map[string]bool)
	check := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%w: flow %q has a %s with no name", flowerr.ErrConfig, f.cfg.Name, kind)
		}
		if names[name] {
			return fmt.Errorf("%w: flow %q: duplicate stage name %q", flowerr.ErrConfig, f.cfg.Name, name)
		}
		names[name] = true
		return nil
	}

	for _, s := range f.cfg.Sources {
		if err := check("source", s.Name); err != nil {
			return err
		}
		if _, ok := f.reg.Lookup(s.Plugin); !ok {
			return fmt.Errorf("%w: flow %q source %q: plugin %q is not found", flowerr.ErrConfig, f.cfg.Name, s.Name, s.Plugin)
		}
	}
	for _, s := range f.cfg.Sinks {
		if err := check("sink", s.Name); err != nil {
			return err
		}
		if _, ok := f.reg.Lookup(s.Plugin); !ok {
			return fmt.Errorf("%w: flow %q sink %q: plugin %q is not found", flowerr.ErrConfig, f.cfg.Name, s.Name, s.Plugin)
		}
	}
	for _, j := range f.cfg.Jobs {
		if err := check("job", j.Name); err != nil {
			return err
		}
		runner := job.New(j, nil, nil, f.reg, nil, nil, nil, nil)
		if err := runner.CheckTasks(); err != nil {
			return err
		}
	}

	for _, j := range f.cfg.Jobs {
		for _, dep := range j.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: flow %q job %q: depends_on %q is not found", flowerr.ErrConfig, f.cfg.Name, j.Name, dep)
			}
		}
		if j.Inbound != "" && !names[j.Inbound] {
			return fmt.Errorf("%w: flow %q job %q: inbound %q is not found", flowerr.ErrConfig, f.cfg.Name, j.Name, j.Inbound)
		}
		for _, out := range j.Outbound {
			if !names[out] {
				return fmt.Errorf("%w: flow %q job %q: outbound %q is not found", flowerr.ErrConfig, f.cfg.Name, j.Name, out)
			}
		}
	}

	switch f.cfg.Kind {
	case flowcfg.KindStream:
		if len(f.cfg.Sources) == 0 {
			return fmt.Errorf("%w: stream flow %q must have at least one source", flowerr.ErrConfig, f.cfg.Name)
		}
	case flowcfg.KindCron:
		if f.cfg.Schedule == "" {
			return fmt.Errorf("%w: cron flow %q has no schedule", flowerr.ErrConfig, f.cfg.Name)
		}
	}

	f.setState(StateValidated)
	return nil
}

// Run validates, opens the datastore, and dispatches on the flow kind:
// action and cron flows run their jobs sequentially; stream flows build
// the channel topology and run until ctx is cancelled.
func (f *Flow) Run(ctx context.Context) error {
	if f.State() == StateLoaded {
		if err := f.Validate(); err != nil {
			f.setState(StateFailed)
			return err
		}
	}

	if f.cfg.Datastore != nil {
		store, err := kvstore.Open(ctx, *f.cfg.Datastore)
		if err != nil {
			f.setState(StateFailed)
			return fmt.Errorf("flow %q: %w", f.cfg.Name, err)
		}
		f.store = store
		defer func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close datastore", "flow", f.cfg.Name, "error", err)
			}
			f.store = nil
		}()
	}

	f.setState(StateRunning)

	var err error
	switch f.cfg.Kind {
	case flowcfg.KindStream:
		err = f.runStream(ctx)
	default:
		// action, and cron flows fired by the scheduler
		err = f.runAction(ctx)
	}

	if err != nil && ctx.Err() == nil {
		f.setState(StateFailed)
		return err
	}

	f.setState(StateStopped)
	return err
}

// runAction executes jobs sequentially in declaration order, threading the
// accumulated job results into each subsequent job's context.
func (f *Flow) runAction(ctx context.Context) error {
	results := make(map[string]any, len(f.cfg.Jobs))

	for _, jcfg := range f.cfg.Jobs {
		runner := job.New(jcfg, f.cfg.Variables, f.cfg.UserPayload, f.reg, f.store, nil, nil, nil)
		runner.SeedJobResults(results)

		if err := runner.Run(ctx); err != nil {
			return fmt.Errorf("flow %q job %q: %w", f.cfg.Name, jcfg.Name, err)
		}

		results[jcfg.Name] = map[string]any{
			"status": string(runner.Status),
			"result": runner.Result,
		}
	}

	f.mu.Lock()
	f.results = results
	f.mu.Unlock()

	return nil
}
