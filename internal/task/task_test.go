package task

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// recordingOperation captures every Run invocation's params.
type recordingOperation struct {
	calls       *[]map[string]any
	failOn      string // when params["item"] equals this, return Ko
	validateErr error
	panics      bool
}

func (o recordingOperation) Validate(map[string]any) error { return o.validateErr }
func (o recordingOperation) Run(_ context.Context, _ string, _, _ []message.Endpoint, params map[string]any) (registry.Result, error) {
	if o.panics {
		panic("operation exploded")
	}
	if o.calls != nil {
		*o.calls = append(*o.calls, params)
	}
	if o.failOn != "" && params["item"] == o.failOn {
		return registry.Result{Status: registry.StatusKo, Error: "bad item"}, nil
	}
	return registry.Result{Status: registry.StatusOk, Output: map[string]any{"params": params}}, nil
}
func (o recordingOperation) SetDatastore(kvstore.Store)  {}
func (o recordingOperation) Metadata() registry.Metadata { return registry.Metadata{Name: "record"} }

func newRegistry(op registry.Operation) *registry.Registry {
	r := registry.New()
	r.Register("record", func() registry.Operation { return op })
	return r
}

func TestExecuteConditionSkip(t *testing.T) {
	reg := newRegistry(recordingOperation{})

	out := Execute(context.Background(), flowcfg.Task{
		Name:      "t1",
		If:        "false",
		Plugin:    "record",
		OnSuccess: "t2",
	}, map[string]any{}, reg, nil, nil, nil)

	if out.Ran {
		t.Errorf("task with false condition must not run")
	}
	if out.Next != "t2" {
		t.Errorf("skipped task must advance to on_success, got %q", out.Next)
	}
}

func TestExecuteMissingPlugin(t *testing.T) {
	out := Execute(context.Background(), flowcfg.Task{
		Name:      "t1",
		Plugin:    "ghost",
		OnFailure: "recover",
	}, map[string]any{}, registry.New(), nil, nil, nil)

	if !out.Ran || out.Result.Status != registry.StatusKo {
		t.Fatalf("missing plugin must produce a Ko result, got %+v", out)
	}
	if !out.JobKo {
		t.Errorf("missing plugin must mark the job Ko")
	}
	if out.Next != "recover" {
		t.Errorf("missing plugin must branch to on_failure, got %q", out.Next)
	}
}

func TestExecuteLoopCounts(t *testing.T) {
	var calls []map[string]any
	reg := newRegistry(recordingOperation{calls: &calls})

	loop := []any{"a", "b", "c"}
	out := Execute(context.Background(), flowcfg.Task{
		Name:   "t1",
		Plugin: "record",
		Loop:   loop,
		Params: map[string]any{"item": "{{ loop_item }}", "idx": "{{ loop_index }}"},
	}, map[string]any{}, reg, nil, nil, nil)

	if len(calls) != 3 {
		t.Fatalf("looping over 3 items must invoke the operation 3 times, got %d", len(calls))
	}
	for i, want := range []string{"a", "b", "c"} {
		if calls[i]["item"] != want {
			t.Errorf("iteration %d: item %v, want %q", i, calls[i]["item"], want)
		}
	}

	// Aggregated wrapper: the stored value's output is the array of
	// per-iteration results.
	value, okValue := out.Value.(map[string]any)
	if !okValue {
		t.Fatalf("stored value must be an object, got %#v", out.Value)
	}
	results, okResults := value["output"].([]any)
	if !okResults || len(results) != 3 {
		t.Fatalf("aggregated output must carry 3 results, got %#v", value)
	}
	if out.Result.Status != registry.StatusOk || value["error"] != "" {
		t.Errorf("all-Ok loop must aggregate to Ok, got %#v", value)
	}
}

func TestExecuteSingleIterationLoopUnwrapped(t *testing.T) {
	reg := newRegistry(recordingOperation{})

	out := Execute(context.Background(), flowcfg.Task{
		Name:   "t1",
		Plugin: "record",
		Loop:   []any{"only"},
		Params: map[string]any{"item": "{{ loop_item }}"},
	}, map[string]any{}, reg, nil, nil, nil)

	// N=1: the inner result is stored directly, no wrapper.
	value, _ := out.Value.(map[string]any)
	if _, wrapped := value["output"].([]any); wrapped {
		t.Errorf("single-iteration loop must not wrap, got %#v", out.Value)
	}
	params, _ := out.Result.Output["params"].(map[string]any)
	if params["item"] != "only" {
		t.Errorf("unexpected single-iteration output: %#v", out.Result.Output)
	}
}

func TestExecuteLoopAggregatesFailure(t *testing.T) {
	reg := newRegistry(recordingOperation{failOn: "b"})

	out := Execute(context.Background(), flowcfg.Task{
		Name:      "t1",
		Plugin:    "record",
		Loop:      []any{"a", "b"},
		Params:    map[string]any{"item": "{{ loop_item }}"},
		OnFailure: "cleanup",
	}, map[string]any{}, reg, nil, nil, nil)

	if out.Result.Status != registry.StatusKo {
		t.Errorf("a failing iteration must make the aggregate Ko")
	}
	if !out.JobKo || out.Next != "cleanup" {
		t.Errorf("failing task must mark job Ko and branch to on_failure, got %+v", out)
	}
}

func TestExecuteLoopFromTemplate(t *testing.T) {
	var calls []map[string]any
	reg := newRegistry(recordingOperation{calls: &calls})

	renderCtx := map[string]any{
		"variables": map[string]any{"superloop": []any{"loop1", "loop2"}},
	}

	Execute(context.Background(), flowcfg.Task{
		Name:   "t1",
		Plugin: "record",
		Loop:   "{{ variables.superloop }}",
		Params: map[string]any{"item": "{{ loop_item }}"},
	}, renderCtx, reg, nil, nil, nil)

	if len(calls) != 2 {
		t.Fatalf("template loop must expand to 2 iterations, got %d", len(calls))
	}
	if calls[0]["item"] != "loop1" || calls[1]["item"] != "loop2" {
		t.Errorf("unexpected loop items: %v", calls)
	}
}

func TestExecuteBadLoop(t *testing.T) {
	reg := newRegistry(recordingOperation{})

	out := Execute(context.Background(), flowcfg.Task{
		Name:   "t1",
		Plugin: "record",
		Loop:   "{{ \"not-an-array\" }}",
	}, map[string]any{}, reg, nil, nil, nil)

	if out.Result.Status != registry.StatusKo {
		t.Errorf("non-array loop must fail the task, got %+v", out.Result)
	}
}

func TestExecuteValidateFailure(t *testing.T) {
	reg := newRegistry(recordingOperation{validateErr: errors.New("bad params")})

	out := Execute(context.Background(), flowcfg.Task{
		Name:   "t1",
		Plugin: "record",
	}, map[string]any{}, reg, nil, nil, nil)

	if out.Result.Status != registry.StatusKo {
		t.Errorf("validate failure must produce Ko, got %+v", out.Result)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	reg := newRegistry(recordingOperation{panics: true})

	out := Execute(context.Background(), flowcfg.Task{
		Name:   "t1",
		Plugin: "record",
	}, map[string]any{}, reg, nil, nil, nil)

	if out.Result.Status != registry.StatusKo {
		t.Fatalf("a panicking operation must become a Ko result, got %+v", out.Result)
	}
}

func TestExecuteRegisterMerge(t *testing.T) {
	reg := newRegistry(recordingOperation{})

	renderCtx := map[string]any{
		"register": map[string]any{"keep": "old"},
	}

	Execute(context.Background(), flowcfg.Task{
		Name:     "t1",
		Plugin:   "record",
		Params:   map[string]any{"item": "x"},
		Register: map[string]any{"last_item": "{{ output.params.item }}"},
	}, renderCtx, reg, nil, nil, nil)

	register, _ := renderCtx["register"].(map[string]any)
	if register["keep"] != "old" {
		t.Errorf("existing register entries must survive the merge: %#v", register)
	}
	if register["last_item"] != "x" {
		t.Errorf("register must capture the task output: %#v", register)
	}
}
