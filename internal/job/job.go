// Package job implements the Job Runner: the per-job message pump that
// waits on dependencies through the shared results cache, gates on the job
// condition, walks the task graph, caches results by message UUID, and
// emits them downstream.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/flowerr"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
	"github.com/rakunlabs/flowrunner/internal/render"
	"github.com/rakunlabs/flowrunner/internal/task"
)

const (
	defaultWaitIntervalMs = 3000
	defaultWaitTimeoutMs  = 300000
)

// Runner executes one job of a flow. A Runner is owned by a single
// goroutine; messages to the same job are processed one at a time, so the
// mutable Status/Result/context fields never need their own locking.
type Runner struct {
	cfg flowcfg.Job

	reg   *registry.Registry
	store kvstore.Store
	cache *ResultsCache

	// inbound is nil for one-shot jobs (action mode, or a stream job
	// nothing feeds).
	inbound  *message.Endpoint
	outbound []message.Endpoint

	// Status and Result are the job's per-message outcome, reset on every
	// received message.
	Status registry.Status
	Result map[string]any

	context map[string]any
}

// New builds a Runner for cfg. variables and userPayload seed the render
// context; inbound may be nil for one-shot execution.
func New(
	cfg flowcfg.Job,
	variables map[string]any,
	userPayload map[string]any,
	reg *registry.Registry,
	store kvstore.Store,
	cache *ResultsCache,
	inbound *message.Endpoint,
	outbound []message.Endpoint,
) *Runner {
	if cfg.WaitIntervalMs <= 0 {
		cfg.WaitIntervalMs = defaultWaitIntervalMs
	}
	if cfg.WaitTimeoutMs <= 0 {
		cfg.WaitTimeoutMs = defaultWaitTimeoutMs
	}

	ctx := map[string]any{
		"variables": variables,
	}
	if userPayload != nil {
		ctx["user_payload"] = userPayload
	}

	return &Runner{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		cache:    cache,
		inbound:  inbound,
		outbound: outbound,
		Status:   registry.StatusOk,
		Result:   make(map[string]any),
		context:  ctx,
	}
}

// CheckTasks validates the job's task graph against the registry: every
// plugin must resolve and every non-empty on_success/on_failure must name
// an existing task. Run calls it before the first message, and the flow
// orchestrator calls it during flow validation.
func (r *Runner) CheckTasks() error {
	byName := make(map[string]bool, len(r.cfg.Tasks))
	for _, t := range r.cfg.Tasks {
		byName[t.Name] = true
	}

	for _, t := range r.cfg.Tasks {
		if _, ok := r.reg.Lookup(t.Plugin); !ok {
			return fmt.Errorf("%w: job %q task %q: %s", flowerr.ErrConfig, r.cfg.Name, t.Name, t.Plugin)
		}
		if t.OnSuccess != "" && !byName[t.OnSuccess] {
			return fmt.Errorf("%w: job %q task %q: on_success %q is not found", flowerr.ErrConfig, r.cfg.Name, t.Name, t.OnSuccess)
		}
		if t.OnFailure != "" && !byName[t.OnFailure] {
			return fmt.Errorf("%w: job %q task %q: on_failure %q is not found", flowerr.ErrConfig, r.cfg.Name, t.Name, t.OnFailure)
		}
	}

	if r.cfg.Start != "" && !byName[r.cfg.Start] {
		return fmt.Errorf("%w: job %q: start task %q is not found", flowerr.ErrConfig, r.cfg.Name, r.cfg.Start)
	}

	return nil
}

// Run executes the job until ctx is cancelled (streaming) or once
// (one-shot, when no inbound endpoint was assigned).
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("job run started",
		"job", r.cfg.Name,
		"inbound", r.inbound != nil,
		"nb_outbound", len(r.outbound))

	if err := r.CheckTasks(); err != nil {
		return err
	}

	if r.inbound == nil {
		return r.runOnce(ctx)
	}

	for {
		r.reset()

		msg, ok := r.inbound.Receive(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Info("job inbound closed, exiting", "job", r.cfg.Name)
			return nil
		}

		if msg.Kind != message.KindJSONWithSender {
			slog.Error("message received is not an identity-carrying message, skipping", "job", r.cfg.Name)
			continue
		}

		r.context["msg_id"] = map[string]any{
			"uuid":   msg.UUID,
			"sender": msg.Sender,
			"source": msg.Source,
			"data":   msg.Value,
		}

		if err := r.waitDependentJobs(ctx, msg.UUID); err != nil {
			slog.Warn("dependency wait timed out, skipping message",
				"job", r.cfg.Name,
				"uuid", msg.UUID,
				"wait_timeout_ms", r.cfg.WaitTimeoutMs,
				"error", err)
			continue
		}

		runErr := r.runTasks(ctx)

		// The result is cached and forwarded even when a task failed with
		// no on_failure: downstream jobs observe the failure through the
		// cache entry rather than by the message not arriving.
		r.cache.Update(msg.UUID, r.cfg.Name, Result{Status: r.Status, Result: r.copyResult()})

		if runErr != nil {
			slog.Error("failed to run tasks", "job", r.cfg.Name, "uuid", msg.UUID, "error", runErr)
			continue
		}

		out := message.NewJSONWithSender(msg.UUID, r.cfg.Name, "", r.copyResultAny())
		for i := range r.outbound {
			if err := r.outbound[i].Send(ctx, out); err != nil {
				// Fan-out failure on one endpoint does not cancel the others.
				slog.Error("failed to send job result", "job", r.cfg.Name, "uuid", msg.UUID, "error", err)
			}
		}
	}
}

// runOnce executes the task graph a single time with no caching or
// emission (action mode). The context seeded at construction (variables,
// user_payload) is kept as-is.
func (r *Runner) runOnce(ctx context.Context) error {
	return r.runTasks(ctx)
}

// SeedJobResults injects upstream job results into the render context
// before a one-shot run, so action-mode jobs see the results of jobs that
// ran before them the same way streaming jobs do through the cache.
func (r *Runner) SeedJobResults(results map[string]any) {
	r.context["job_results"] = results
}

// reset clears the per-message state: status, results, and the ephemeral
// context keys seeded by the previous message.
func (r *Runner) reset() {
	r.Status = registry.StatusOk
	r.Result = make(map[string]any)
	delete(r.context, "msg_id")
	delete(r.context, "register")
	delete(r.context, "user_payload")
	delete(r.context, "job_results")
}

// waitDependentJobs polls the results cache until every job in depends_on
// has an entry for uuid, then merges the cache entry into
// context.job_results. Returns ErrDependencyTimeout when wait_timeout_ms
// elapses first.
func (r *Runner) waitDependentJobs(ctx context.Context, uuid string) error {
	if len(r.cfg.DependsOn) == 0 {
		return nil
	}

	slog.Info("waiting for dependent jobs",
		"job", r.cfg.Name, "uuid", uuid, "depends_on", r.cfg.DependsOn)

	deadline := time.Now().Add(time.Duration(r.cfg.WaitTimeoutMs) * time.Millisecond)
	for {
		if r.cache.Contains(uuid, r.cfg.DependsOn) {
			results, _ := r.cache.Get(uuid)
			jobResults := make(map[string]any, len(results))
			for name, res := range results {
				jobResults[name] = map[string]any{
					"status": string(res.Status),
					"result": res.Result,
				}
			}
			r.context["job_results"] = jobResults
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: job %q uuid %q", flowerr.ErrDependencyTimeout, r.cfg.Name, uuid)
		}

		timer := time.NewTimer(time.Duration(r.cfg.WaitIntervalMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// runTasks gates on the job condition and walks the task graph: either the
// explicit task_list in order with no branching, or branch-following
// traversal from start (or tasks[0]).
func (r *Runner) runTasks(ctx context.Context) error {
	if len(r.cfg.Tasks) == 0 {
		return nil
	}

	if r.cfg.If != "" {
		ok, err := render.EvalBool(r.cfg.If, r.renderContext())
		if err != nil {
			return fmt.Errorf("job %q condition: %w", r.cfg.Name, err)
		}
		if !ok {
			slog.Info("job ignored", "job", r.cfg.Name, "if", r.cfg.If)
			return nil
		}
	}

	if len(r.cfg.TaskList) > 0 {
		return r.runTaskList(ctx)
	}
	return r.runAllTasks(ctx)
}

// runAllTasks follows on_success/on_failure branches from the start task.
func (r *Runner) runAllTasks(ctx context.Context) error {
	current := r.cfg.Start
	if current == "" {
		current = r.cfg.Tasks[0].Name
	}

	for current != "" {
		t, ok := r.taskByName(current)
		if !ok {
			return fmt.Errorf("%w: job %q: task %q is not found", flowerr.ErrConfig, r.cfg.Name, current)
		}

		slog.Info("task will be executed", "job", r.cfg.Name, "task", t.Name, "plugin", t.Plugin)

		outcome := task.Execute(ctx, t, r.renderContext(), r.reg, r.store, r.inboundSlice(), r.outbound)
		r.record(t.Name, outcome)

		current = outcome.Next
	}

	return nil
}

// runTaskList runs only the named tasks, in order, with no branching.
func (r *Runner) runTaskList(ctx context.Context) error {
	for _, name := range r.cfg.TaskList {
		t, ok := r.taskByName(name)
		if !ok {
			slog.Warn("task not found, ignored", "job", r.cfg.Name, "task", name)
			continue
		}

		outcome := task.Execute(ctx, t, r.renderContext(), r.reg, r.store, r.inboundSlice(), r.outbound)
		r.record(t.Name, outcome)
	}

	return nil
}

// record stores a task outcome into the job's result map and status. Tasks
// skipped by their condition gate leave no result entry.
func (r *Runner) record(name string, outcome task.Outcome) {
	if !outcome.Ran {
		return
	}

	r.Result[name] = outcome.Value
	if outcome.JobKo {
		r.Status = registry.StatusKo
	}
}

// renderContext exposes the job's live context and result map to the
// template layer. result points at the live map so tasks observe the
// results of tasks that ran before them.
func (r *Runner) renderContext() map[string]any {
	r.context["result"] = r.Result
	return r.context
}

func (r *Runner) taskByName(name string) (flowcfg.Task, bool) {
	for _, t := range r.cfg.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return flowcfg.Task{}, false
}

func (r *Runner) inboundSlice() []message.Endpoint {
	if r.inbound == nil {
		return nil
	}
	return []message.Endpoint{*r.inbound}
}

func (r *Runner) copyResult() map[string]any {
	out := make(map[string]any, len(r.Result))
	for k, v := range r.Result {
		out[k] = v
	}
	return out
}

func (r *Runner) copyResultAny() any {
	return r.copyResult()
}
