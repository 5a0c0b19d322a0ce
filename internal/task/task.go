// Package task implements the task executor: the per-task algorithm every
// job runs each of its tasks through — condition gate, loop expansion,
// parameter rendering, operation invocation, result aggregation,
// register-variable update, and success/failure branching.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/flowerr"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
	"github.com/rakunlabs/flowrunner/internal/render"
)

// Outcome is what Execute returns for one task invocation.
type Outcome struct {
	// Ran is false when the task's condition gate skipped it entirely; in
	// that case Result is the zero value and no job.result entry is
	// written for this task.
	Ran bool
	// Result is the task's recorded result (single-iteration, or the
	// aggregate status across a loop).
	Result registry.Result
	// Value is the JSON value to store under job.result[task.name]:
	// {status, error, output}, where output is the operation's output map
	// for a single iteration and the array of per-iteration results for a
	// multi-iteration loop.
	Value any
	// Next is the task name to run next (on_success or on_failure,
	// whichever applies); empty means terminate the job.
	Next string
	// JobKo is true when the owning job's status must become Ko because
	// of this task.
	JobKo bool
}

// resultValue renders a single operation result as its stored JSON shape.
func resultValue(r registry.Result) map[string]any {
	output := r.Output
	if output == nil {
		output = map[string]any{}
	}
	return map[string]any{
		"status": string(r.Status),
		"error":  r.Error,
		"output": output,
	}
}

// Execute runs task t to completion against renderCtx, the owning job's
// mutable context tree (variables, msg_id, data, result, register,
// job_results, user_payload). reg resolves t.Plugin; store is
// injected into the resolved operation; inbound/outbound are the owning
// stage's channel endpoints, passed through to streaming operations
// unchanged.
//
// On return, renderCtx["register"] has already been updated with any
// task.Register entries, so subsequent tasks in the same job observe them.
func Execute(
	ctx context.Context,
	t flowcfg.Task,
	renderCtx map[string]any,
	reg *registry.Registry,
	store kvstore.Store,
	inbound, outbound []message.Endpoint,
) Outcome {
	if t.If != "" {
		ok, err := render.EvalBool(t.If, renderCtx)
		if err != nil {
			res := registry.Result{Status: registry.StatusKo, Error: err.Error()}
			return Outcome{Ran: true, Result: res, Value: resultValue(res), Next: t.OnFailure, JobKo: true}
		}
		if !ok {
			return Outcome{Ran: false, Next: t.OnSuccess}
		}
	}

	items, looped, err := expandLoop(t.Loop, renderCtx)
	if err != nil {
		res := registry.Result{Status: registry.StatusKo, Error: err.Error()}
		mergeRegister(t, renderCtx, res.Output)
		return Outcome{Ran: true, Result: res, Value: resultValue(res), Next: t.OnFailure, JobKo: true}
	}

	op, ok := reg.Lookup(t.Plugin)
	if !ok {
		// A missing plugin fails the task and follows on_failure like any
		// other failure, so the result map always carries an entry for it.
		res := registry.Result{
			Status: registry.StatusKo,
			Error:  fmt.Sprintf("%s: %s", flowerr.ErrPluginMissing, t.Plugin),
		}
		mergeRegister(t, renderCtx, res.Output)
		return Outcome{Ran: true, Result: res, Value: resultValue(res), Next: t.OnFailure, JobKo: true}
	}
	op.SetDatastore(store)

	results := make([]registry.Result, 0, len(items))
	for i, item := range items {
		iterCtx := renderCtx
		if looped {
			iterCtx = withLoopVars(renderCtx, item, i)
		}

		params, perr := renderParams(t.Params, iterCtx)
		if perr != nil {
			results = append(results, registry.Result{Status: registry.StatusKo, Error: perr.Error()})
			continue
		}

		if verr := op.Validate(params); verr != nil {
			results = append(results, registry.Result{
				Status: registry.StatusKo,
				Error:  fmt.Sprintf("%s: %v", flowerr.ErrValidate, verr),
			})
			continue
		}

		results = append(results, runOperation(ctx, op, t.Name, inbound, outbound, params))

		if t.LoopTempoMs > 0 && i < len(items)-1 {
			timer := time.NewTimer(time.Duration(t.LoopTempoMs) * time.Millisecond)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}

	final, value, output := aggregate(results)
	mergeRegister(t, renderCtx, output)

	next := t.OnSuccess
	jobKo := false
	if final.Status == registry.StatusKo {
		next = t.OnFailure
		jobKo = true
	}
	return Outcome{Ran: true, Result: final, Value: value, Next: next, JobKo: jobKo}
}

// runOperation calls op.Run, recovering any panic into a Ko result so a
// misbehaving operation can never crash the job runner.
func runOperation(
	ctx context.Context,
	op registry.Operation,
	sender string,
	inbound, outbound []message.Endpoint,
	params map[string]any,
) (res registry.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = registry.Result{Status: registry.StatusKo, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	result, err := op.Run(ctx, sender, inbound, outbound, params)
	if err != nil {
		if result.Status == "" {
			result = registry.Result{Status: registry.StatusKo, Error: err.Error()}
		} else if result.Error == "" {
			result.Error = err.Error()
		}
	}
	if result.Status == "" {
		result.Status = registry.StatusOk
	}
	return result
}

// expandLoop renders t.Loop (nil, a literal array, or a template string)
// into the list of items to iterate. looped is false when there was no
// loop at all, in which case items has exactly one (unused) element so the
// caller's range still executes the task body once.
func expandLoop(loop any, ctx map[string]any) (items []any, looped bool, err error) {
	if loop == nil {
		return []any{nil}, false, nil
	}

	switch v := loop.(type) {
	case []any:
		rendered, rerr := render.Value(v, ctx)
		if rerr != nil {
			return nil, false, rerr
		}
		arr, ok := rendered.([]any)
		if !ok {
			return nil, false, fmt.Errorf("%w: BadLoop: rendered loop literal is not an array", flowerr.ErrTemplate)
		}
		return arr, true, nil
	case string:
		val, rerr := render.EvalExpr(v, ctx)
		if rerr != nil {
			return nil, false, rerr
		}
		arr, ok := val.([]any)
		if !ok {
			return nil, false, fmt.Errorf("%w: BadLoop: loop template did not render to an array", flowerr.ErrTemplate)
		}
		return arr, true, nil
	default:
		return nil, false, fmt.Errorf("%w: BadLoop: unsupported loop value type %T", flowerr.ErrTemplate, loop)
	}
}

// withLoopVars returns a shallow copy of ctx with loop_item/loop_index set
// for the current iteration, leaving the caller's map untouched.
func withLoopVars(ctx map[string]any, item any, index int) map[string]any {
	out := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		out[k] = v
	}
	out["loop_item"] = item
	out["loop_index"] = index
	return out
}

func renderParams(params map[string]any, ctx map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	rendered, err := render.Value(params, ctx)
	if err != nil {
		return nil, err
	}
	out, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: rendered params are not an object", flowerr.ErrTemplate)
	}
	return out, nil
}

// aggregate collapses the per-iteration results: a single iteration's
// result is used directly; two or more are wrapped with an aggregate
// status that is Ok only if every iteration was Ok, and a stored value
// whose output is the array of per-iteration results. The returned output
// is what register templates see bound as "output".
func aggregate(results []registry.Result) (res registry.Result, value any, output any) {
	if len(results) == 1 {
		return results[0], resultValue(results[0]), results[0].Output
	}

	status := registry.StatusOk
	outputs := make([]any, len(results))
	for i, r := range results {
		outputs[i] = resultValue(r)
		if r.Status != registry.StatusOk {
			status = registry.StatusKo
		}
	}

	res = registry.Result{Status: status, Error: ""}
	value = map[string]any{
		"status": string(status),
		"error":  "",
		"output": outputs,
	}
	return res, value, outputs
}

func mergeRegister(t flowcfg.Task, renderCtx map[string]any, output any) {
	if len(t.Register) == 0 {
		return
	}

	regCtx := make(map[string]any, len(renderCtx)+1)
	for k, v := range renderCtx {
		regCtx[k] = v
	}
	regCtx["output"] = output

	rendered, err := render.RenderRegister(t.Register, regCtx)
	if err != nil {
		return
	}

	existing, _ := renderCtx["register"].(map[string]any)
	merged := make(map[string]any, len(existing)+len(rendered))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range rendered {
		merged[k] = v
	}
	renderCtx["register"] = merged
}
