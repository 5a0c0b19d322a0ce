package job

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// echoOperation records every invocation and succeeds, echoing its params
// as output.
type echoOperation struct {
	calls *[]map[string]any
}

func (echoOperation) Validate(map[string]any) error { return nil }
func (o echoOperation) Run(_ context.Context, _ string, _, _ []message.Endpoint, params map[string]any) (registry.Result, error) {
	if o.calls != nil {
		*o.calls = append(*o.calls, params)
	}
	return registry.Result{Status: registry.StatusOk, Output: map[string]any{"params": params}}, nil
}
func (echoOperation) SetDatastore(kvstore.Store) {}
func (echoOperation) Metadata() registry.Metadata {
	return registry.Metadata{Name: "echo", Version: "v0.0.0"}
}

func testRegistry(calls *[]map[string]any) *registry.Registry {
	r := registry.New()
	r.Register("echo", func() registry.Operation { return echoOperation{calls: calls} })
	return r
}

func mustCache(t *testing.T) *ResultsCache {
	t.Helper()
	c, err := NewResultsCache(16)
	if err != nil {
		t.Fatalf("NewResultsCache: %v", err)
	}
	return c
}

func TestCheckTasks(t *testing.T) {
	reg := testRegistry(nil)

	cfg := flowcfg.Job{
		Name: "job-1",
		Tasks: []flowcfg.Task{
			{Name: "task-1", Plugin: "echo", OnSuccess: "task-2"},
			{Name: "task-2", Plugin: "echo"},
		},
	}

	r := New(cfg, nil, nil, reg, nil, mustCache(t), nil, nil)
	if err := r.CheckTasks(); err != nil {
		t.Fatalf("CheckTasks: %v", err)
	}

	cfg.Tasks[0].Plugin = "shell"
	r = New(cfg, nil, nil, reg, nil, mustCache(t), nil, nil)
	if err := r.CheckTasks(); err == nil {
		t.Fatalf("expected unknown plugin to fail")
	}

	cfg.Tasks[0].Plugin = "echo"
	cfg.Tasks[0].OnFailure = "helloworld"
	r = New(cfg, nil, nil, reg, nil, mustCache(t), nil, nil)
	if err := r.CheckTasks(); err == nil {
		t.Fatalf("expected dangling on_failure to fail")
	}

	cfg.Tasks[0].OnFailure = ""
	cfg.Tasks[0].OnSuccess = "helloworld"
	r = New(cfg, nil, nil, reg, nil, mustCache(t), nil, nil)
	if err := r.CheckTasks(); err == nil {
		t.Fatalf("expected dangling on_success to fail")
	}
}

// TestRunSkipsConditionedTask covers the loop+branch scenario: t1 → t2 → t3
// where t2's condition is false. t2 must be absent from the result and t3
// must still run via t2's on_success.
func TestRunSkipsConditionedTask(t *testing.T) {
	reg := testRegistry(nil)

	cfg := flowcfg.Job{
		Name: "job-1",
		Tasks: []flowcfg.Task{
			{Name: "t1", Plugin: "echo", OnSuccess: "t2"},
			{Name: "t2", If: "false", Plugin: "echo", OnSuccess: "t3"},
			{Name: "t3", Plugin: "echo"},
		},
	}

	r := New(cfg, nil, nil, reg, nil, mustCache(t), nil, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := r.Result["t1"]; !ok {
		t.Errorf("expected t1 in result, got %v", r.Result)
	}
	if _, ok := r.Result["t2"]; ok {
		t.Errorf("t2 was skipped by its condition, must be absent: %v", r.Result)
	}
	if _, ok := r.Result["t3"]; !ok {
		t.Errorf("expected t3 in result, got %v", r.Result)
	}
	if r.Status != registry.StatusOk {
		t.Errorf("expected job status Ok, got %v", r.Status)
	}
}

func TestRunTaskList(t *testing.T) {
	var calls []map[string]any
	reg := testRegistry(&calls)

	cfg := flowcfg.Job{
		Name:     "job-1",
		TaskList: []string{"t3", "t1"},
		Tasks: []flowcfg.Task{
			{Name: "t1", Plugin: "echo", OnSuccess: "t2"},
			{Name: "t2", Plugin: "echo"},
			{Name: "t3", Plugin: "echo"},
		},
	}

	r := New(cfg, nil, nil, reg, nil, mustCache(t), nil, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// task_list ignores branching: only t3 and t1 run, in that order.
	if len(calls) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(calls))
	}
	if _, ok := r.Result["t2"]; ok {
		t.Errorf("t2 must not run in task_list mode: %v", r.Result)
	}
}

// TestStreamingDependencyWait covers the dependency-wait scenario: jobs A
// and B fed the same UUID; B depends on A and must see A's result in
// context.job_results, and the cache must end up holding both entries.
func TestStreamingDependencyWait(t *testing.T) {
	reg := testRegistry(nil)
	cache := mustCache(t)

	outA, inA := message.NewChannel(4)
	outB, inB := message.NewChannel(4)

	jobA := New(flowcfg.Job{
		Name:  "A",
		Tasks: []flowcfg.Task{{Name: "t1", Plugin: "echo"}},
	}, nil, nil, reg, nil, cache, &inA, nil)

	jobB := New(flowcfg.Job{
		Name:           "B",
		DependsOn:      []string{"A"},
		WaitIntervalMs: 10,
		WaitTimeoutMs:  2000,
		Tasks: []flowcfg.Task{{
			Name:   "t1",
			Plugin: "echo",
			Params: map[string]any{"upstream": "{{ job_results.A.status }}"},
		}},
	}, nil, nil, reg, nil, cache, &inB, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- jobA.Run(ctx) }()
	go func() { doneB <- jobB.Run(ctx) }()

	msg := message.NewJSONWithSender("", "source-1", "", map[string]any{"x": float64(1)})
	if err := outA.Send(ctx, msg); err != nil {
		t.Fatalf("send to A: %v", err)
	}
	if err := outB.Send(ctx, msg); err != nil {
		t.Fatalf("send to B: %v", err)
	}

	// B only caches after A's entry appears, so polling for B's entry
	// proves the whole ordering.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if results, ok := cache.Get(msg.UUID); ok {
			if _, okA := results["A"]; okA {
				if _, okB := results["B"]; okB {
					break
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never got both A and B entries")
		}
		time.Sleep(10 * time.Millisecond)
	}

	results, _ := cache.Get(msg.UUID)
	if results["A"].Status != registry.StatusOk || results["B"].Status != registry.StatusOk {
		t.Errorf("unexpected cached statuses: %+v", results)
	}

	// B's task rendered {{ job_results.A.status }} into its params.
	bTask, ok := results["B"].Result["t1"].(map[string]any)
	if !ok {
		t.Fatalf("missing B t1 result: %+v", results["B"].Result)
	}
	output, _ := bTask["output"].(map[string]any)
	params, _ := output["params"].(map[string]any)
	if params["upstream"] != "Ok" {
		t.Errorf("expected B to render A's status, got %v", params["upstream"])
	}

	cancel()
	<-doneA
	<-doneB
}

// TestStreamingDependencyTimeout: a job whose dependency never completes
// must skip the message without running tasks.
func TestStreamingDependencyTimeout(t *testing.T) {
	var calls []map[string]any
	reg := testRegistry(&calls)
	cache := mustCache(t)

	outB, inB := message.NewChannel(4)

	jobB := New(flowcfg.Job{
		Name:           "B",
		DependsOn:      []string{"never"},
		WaitIntervalMs: 10,
		WaitTimeoutMs:  50,
		Tasks:          []flowcfg.Task{{Name: "t1", Plugin: "echo"}},
	}, nil, nil, reg, nil, cache, &inB, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- jobB.Run(ctx) }()

	msg := message.NewJSONWithSender("", "source-1", "", nil)
	if err := outB.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	if len(calls) != 0 {
		t.Errorf("tasks must not run after dependency timeout, got %d calls", len(calls))
	}
	if _, ok := cache.Get(msg.UUID); ok {
		t.Errorf("timed-out message must not be cached")
	}
}

func TestStreamingEmitsResult(t *testing.T) {
	reg := testRegistry(nil)
	cache := mustCache(t)

	outJob, inJob := message.NewChannel(4)
	outDown, inDown := message.NewChannel(4)

	j := New(flowcfg.Job{
		Name:  "job-1",
		Tasks: []flowcfg.Task{{Name: "t1", Plugin: "echo"}},
	}, nil, nil, reg, nil, cache, &inJob, []message.Endpoint{outDown})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	msg := message.NewJSONWithSender("", "source-1", "topic-a", map[string]any{"k": "v"})
	if err := outJob.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, ok := inDown.Receive(ctx)
	if !ok {
		t.Fatalf("no downstream message")
	}
	if got.Kind != message.KindJSONWithSender {
		t.Fatalf("expected identity-carrying message, got kind %v", got.Kind)
	}
	if got.UUID != msg.UUID {
		t.Errorf("uuid must be preserved across the hop: want %s got %s", msg.UUID, got.UUID)
	}
	if got.Sender != "job-1" {
		t.Errorf("sender must be re-tagged to the job name, got %q", got.Sender)
	}

	value, _ := got.Value.(map[string]any)
	if _, ok := value["t1"]; !ok {
		t.Errorf("emitted value must be the job result map, got %v", got.Value)
	}

	cancel()
	<-done
}
