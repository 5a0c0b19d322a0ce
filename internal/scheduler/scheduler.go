// Package scheduler runs cron-kind flows: it scans the flow directory,
// registers each cron flow with the cron engine, and invokes it in action
// mode on every fire until the context is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rakunlabs/logi"
	"github.com/robfig/cron/v3"

	"github.com/rakunlabs/flowrunner/internal/flow"
	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/flowerr"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// Scheduler owns the cron runner and the set of registered cron flows.
type Scheduler struct {
	reg *registry.Registry

	mu    sync.Mutex
	cron  *cron.Cron
	flows map[string]*flow.Flow
}

// New builds a Scheduler. reg may be nil to use a snapshot of the global
// operation registry.
func New(reg *registry.Registry) *Scheduler {
	if reg == nil {
		reg = registry.Global.Clone()
	}
	return &Scheduler{
		reg:   reg,
		flows: make(map[string]*flow.Flow),
	}
}

// LoadDir scans dir for flow files and registers every cron-kind flow.
// Schedules use the 6-field cron grammar with a seconds column.
func (s *Scheduler) LoadDir(ctx context.Context, dir string) error {
	flows, err := flowcfg.LoadDir(dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		s.cron = cron.New(cron.WithSeconds())
	}

	logger := logi.Ctx(ctx)

	for _, cfg := range flows {
		if cfg.Kind != flowcfg.KindCron {
			continue
		}

		if _, exists := s.flows[cfg.Name]; exists {
			return fmt.Errorf("%w: cron flow %q already exists", flowerr.ErrConfig, cfg.Name)
		}

		f := flow.New(*cfg, flow.WithRegistry(s.reg))
		if err := f.Validate(); err != nil {
			return err
		}

		name := cfg.Name
		if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.fire(ctx, name) }); err != nil {
			return fmt.Errorf("%w: cron flow %q schedule %q: %v", flowerr.ErrConfig, cfg.Name, cfg.Schedule, err)
		}

		s.flows[cfg.Name] = f
		logger.Info("scheduler: registered cron flow", "flow", cfg.Name, "schedule", cfg.Schedule)
	}

	return nil
}

// fire invokes a registered flow in action mode, with start/done
// notification logging for observability.
func (s *Scheduler) fire(ctx context.Context, name string) {
	s.mu.Lock()
	f := s.flows[name]
	s.mu.Unlock()

	if f == nil {
		return
	}

	logger := logi.Ctx(ctx)
	logger.Info("scheduler: flow started", "flow", name)

	if err := f.Run(ctx); err != nil {
		// A failing run must not stop the cron loop.
		logger.Error("scheduler: flow execution failed", "flow", name, "error", err)
		return
	}

	logger.Info("scheduler: flow completed", "flow", name)
}

// Run starts the cron engine and blocks until ctx is cancelled, then stops
// it and waits for in-flight fires to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.cron == nil {
		s.cron = cron.New(cron.WithSeconds())
	}
	c := s.cron
	count := len(s.flows)
	s.mu.Unlock()

	logi.Ctx(ctx).Info("scheduler: starting", "flows", count)
	c.Start()

	<-ctx.Done()

	logi.Ctx(ctx).Info("scheduler: shutting down")
	<-c.Stop().Done()

	return nil
}
