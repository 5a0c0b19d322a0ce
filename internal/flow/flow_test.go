package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// emitOperation is a source: it emits the configured payloads and blocks
// until cancelled, like a real ingest loop.
type emitOperation struct {
	payloads []any
}

func (emitOperation) Validate(map[string]any) error { return nil }
func (o emitOperation) Run(ctx context.Context, sender string, _, outbound []message.Endpoint, params map[string]any) (registry.Result, error) {
	payloads := o.payloads
	if p, ok := params["payloads"].([]any); ok {
		payloads = p
	}

	for _, p := range payloads {
		msg := message.NewJSONWithSender("", sender, "", p)
		for i := range outbound {
			if err := outbound[i].Send(ctx, msg); err != nil {
				return registry.Result{Status: registry.StatusKo, Error: err.Error()}, nil
			}
		}
	}

	<-ctx.Done()
	return registry.Result{Status: registry.StatusOk}, nil
}
func (emitOperation) SetDatastore(kvstore.Store) {}
func (emitOperation) Metadata() registry.Metadata { return registry.Metadata{Name: "emit"} }

// collectOperation records every params map it is run with.
type collectOperation struct {
	mu    *sync.Mutex
	calls *[]map[string]any
}

func (collectOperation) Validate(map[string]any) error { return nil }
func (o collectOperation) Run(_ context.Context, _ string, _, _ []message.Endpoint, params map[string]any) (registry.Result, error) {
	o.mu.Lock()
	*o.calls = append(*o.calls, params)
	o.mu.Unlock()
	return registry.Result{Status: registry.StatusOk, Output: map[string]any{"params": params}}, nil
}
func (collectOperation) SetDatastore(kvstore.Store) {}
func (collectOperation) Metadata() registry.Metadata { return registry.Metadata{Name: "collect"} }

func TestValidateRejectsBadFlows(t *testing.T) {
	reg := registry.New()
	reg.Register("collect", func() registry.Operation {
		return collectOperation{mu: &sync.Mutex{}, calls: &[]map[string]any{}}
	})

	tests := []struct {
		name string
		cfg  flowcfg.Flow
	}{
		{"no name", flowcfg.Flow{Kind: flowcfg.KindAction}},
		{"duplicate stage names", flowcfg.Flow{
			Name: "f", Kind: flowcfg.KindAction,
			Jobs: []flowcfg.Job{{Name: "a"}, {Name: "a"}},
		}},
		{"unknown plugin", flowcfg.Flow{
			Name: "f", Kind: flowcfg.KindAction,
			Jobs: []flowcfg.Job{{Name: "a", Tasks: []flowcfg.Task{{Name: "t", Plugin: "nope"}}}},
		}},
		{"stream without source", flowcfg.Flow{
			Name: "f", Kind: flowcfg.KindStream,
			Jobs: []flowcfg.Job{{Name: "a"}},
		}},
		{"dangling depends_on", flowcfg.Flow{
			Name: "f", Kind: flowcfg.KindAction,
			Jobs: []flowcfg.Job{{Name: "a", DependsOn: []string{"ghost"}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.cfg, WithRegistry(reg))
			if err := f.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
			if f.State() != StateLoaded {
				t.Fatalf("failed validation must not advance state, got %v", f.State())
			}
		})
	}
}

func TestActionRunSequentialJobs(t *testing.T) {
	var mu sync.Mutex
	var calls []map[string]any

	reg := registry.New()
	reg.Register("collect", func() registry.Operation {
		return collectOperation{mu: &mu, calls: &calls}
	})

	cfg := flowcfg.Flow{
		Name:      "action-1",
		Kind:      flowcfg.KindAction,
		Variables: map[string]any{"greeting": "hello"},
		Jobs: []flowcfg.Job{
			{
				Name: "first",
				Tasks: []flowcfg.Task{{
					Name:   "t1",
					Plugin: "collect",
					Params: map[string]any{"msg": "{{ variables.greeting }}"},
				}},
			},
			{
				Name: "second",
				Tasks: []flowcfg.Task{{
					Name:   "t1",
					Plugin: "collect",
					Params: map[string]any{"upstream": "{{ job_results.first.status }}"},
				}},
			},
		},
	}

	f := New(cfg, WithRegistry(reg))
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.State() != StateStopped {
		t.Errorf("expected Stopped, got %v", f.State())
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 task invocations, got %d", len(calls))
	}
	if calls[0]["msg"] != "hello" {
		t.Errorf("variables not rendered: %v", calls[0])
	}
	if calls[1]["upstream"] != "Ok" {
		t.Errorf("second job must see first job's result: %v", calls[1])
	}

	results := f.Results()
	if _, ok := results["first"]; !ok {
		t.Errorf("missing first job result: %v", results)
	}
	if _, ok := results["second"]; !ok {
		t.Errorf("missing second job result: %v", results)
	}
}

func TestStreamRunEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var sunk []map[string]any

	reg := registry.New()
	reg.Register("emit", func() registry.Operation {
		return emitOperation{payloads: []any{map[string]any{"n": float64(1)}, map[string]any{"n": float64(2)}}}
	})
	reg.Register("collect", func() registry.Operation {
		return collectOperation{mu: &mu, calls: &sunk}
	})

	cfg := flowcfg.Flow{
		Name: "stream-1",
		Kind: flowcfg.KindStream,
		Sources: []flowcfg.Endpoint{
			{Name: "src", Plugin: "emit"},
		},
		Jobs: []flowcfg.Job{
			{
				Name: "job-1",
				Tasks: []flowcfg.Task{{
					Name:   "t1",
					Plugin: "collect",
					Params: map[string]any{"n": "{{ msg_id.data.n }}"},
				}},
			},
		},
		Sinks: []flowcfg.Endpoint{
			{Name: "out", Plugin: "collect", Params: map[string]any{"seen": "{{ data.t1.status }}"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	f := New(cfg, WithRegistry(reg), WithChannelCapacity(8))
	go func() { done <- f.Run(ctx) }()

	// Wait for both messages to traverse source → job → sink.
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := 0
		for _, c := range sunk {
			if c["seen"] == "Ok" {
				n++
			}
		}
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sink never observed both job results: %v", sunk)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after clean shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("flow did not shut down")
	}

	if f.State() != StateStopped {
		t.Errorf("expected Stopped, got %v", f.State())
	}
}
