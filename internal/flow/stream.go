package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/flowerr"
	"github.com/rakunlabs/flowrunner/internal/job"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
	"github.com/rakunlabs/flowrunner/internal/render"
)

// shutdownGrace bounds how long the orchestrator waits for jobs and sinks
// to drain after the sources have stopped.
const shutdownGrace = 30 * time.Second

// edge is one bounded channel of the topology, keyed by its consumer. The
// flow owns the edge; producer stages get the send half, the consumer the
// receive half. The edge is closed once every producer has exited, so the
// consumer observes end-of-stream exactly once.
type edge struct {
	out message.Endpoint
	in  message.Endpoint

	producers sync.WaitGroup
}

// topology maps every stage to its endpoints.
type topology struct {
	edges map[string]*edge // keyed by consumer stage name

	// producerEdges tracks which edges each producer stage feeds, so its
	// producer reference can be released when the stage exits.
	producerEdges map[string][]*edge

	sourceOut map[string][]message.Endpoint
	sourceIn  map[string]*message.Endpoint
	jobIn     map[string]*message.Endpoint
	jobOut    map[string][]message.Endpoint
	sinkIn    map[string]*message.Endpoint
}

// releaseProducer drops the producer references stage holds on the edges
// it feeds; the last release closes the edge.
func (t *topology) releaseProducer(stage string) {
	for _, e := range t.producerEdges[stage] {
		e.producers.Done()
	}
}

// buildTopology wires one channel per consumer stage and assigns the send
// half to every producer that feeds it:
//   - a job is fed by its declared inbound stage (default: every source),
//     plus any job that lists it in outbound;
//   - a sink is fed by the jobs that list it in outbound, plus every job
//     with no outbound declaration;
//   - a source gets an inbound endpoint when a job lists it in outbound
//     (the HTTP-server source's reply path).
func (f *Flow) buildTopology() *topology {
	t := &topology{
		edges:         make(map[string]*edge),
		producerEdges: make(map[string][]*edge),
		sourceOut:     make(map[string][]message.Endpoint),
		sourceIn:      make(map[string]*message.Endpoint),
		jobIn:         make(map[string]*message.Endpoint),
		jobOut:        make(map[string][]message.Endpoint),
		sinkIn:        make(map[string]*message.Endpoint),
	}

	isSource := make(map[string]bool, len(f.cfg.Sources))
	for _, s := range f.cfg.Sources {
		isSource[s.Name] = true
	}
	isSink := make(map[string]bool, len(f.cfg.Sinks))
	for _, s := range f.cfg.Sinks {
		isSink[s.Name] = true
	}

	ensure := func(consumer string) *edge {
		e, ok := t.edges[consumer]
		if !ok {
			out, in := message.NewChannel(f.capacity)
			e = &edge{out: out, in: in}
			t.edges[consumer] = e
		}
		return e
	}

	// producer name → consumer names it feeds.
	feeds := make(map[string][]string)

	for _, j := range f.cfg.Jobs {
		if j.Inbound != "" {
			feeds[j.Inbound] = append(feeds[j.Inbound], j.Name)
		} else {
			for _, s := range f.cfg.Sources {
				feeds[s.Name] = append(feeds[s.Name], j.Name)
			}
		}

		if len(j.Outbound) > 0 {
			feeds[j.Name] = append(feeds[j.Name], j.Outbound...)
		} else {
			for _, s := range f.cfg.Sinks {
				feeds[j.Name] = append(feeds[j.Name], s.Name)
			}
		}
	}

	for producer, consumers := range feeds {
		for _, consumer := range consumers {
			e := ensure(consumer)
			e.producers.Add(1)
			t.producerEdges[producer] = append(t.producerEdges[producer], e)

			if isSource[producer] {
				t.sourceOut[producer] = append(t.sourceOut[producer], e.out)
			} else {
				t.jobOut[producer] = append(t.jobOut[producer], e.out)
			}
		}
	}

	for consumer, e := range t.edges {
		in := e.in
		switch {
		case isSource[consumer]:
			t.sourceIn[consumer] = &in
		case isSink[consumer]:
			t.sinkIn[consumer] = &in
		default:
			t.jobIn[consumer] = &in
		}
	}

	return t
}

// runStream builds the topology and runs every stage as a goroutine until
// ctx is cancelled. Shutdown closes the source-fed channels once the
// sources have exited and lets the downstream stages drain before the
// grace cut-off.
func (f *Flow) runStream(ctx context.Context) error {
	cache, err := job.NewResultsCache(f.cacheSize)
	if err != nil {
		return fmt.Errorf("flow %q: results cache: %w", f.cfg.Name, err)
	}
	f.cache = cache

	topo := f.buildTopology()

	// Jobs and sinks run on a drain context that outlives ctx, so they can
	// consume what is already buffered after the shutdown signal; the
	// grace timer bounds the drain.
	drainCtx, drainCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer drainCancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-drainCtx.Done():
			// The flow ended on its own; nothing left to drain.
			return
		}
		f.setState(StateShuttingDown)

		timer := time.NewTimer(shutdownGrace)
		defer timer.Stop()
		select {
		case <-drainCtx.Done():
		case <-timer.C:
			slog.Warn("flow drain grace elapsed, cancelling stages", "flow", f.cfg.Name)
			drainCancel()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// Edge closers: an edge closes once every producer feeding it exited.
	for consumer, e := range topo.edges {
		consumer, e := consumer, e
		go func() {
			e.producers.Wait()
			slog.Debug("closing edge", "flow", f.cfg.Name, "consumer", consumer)
			e.out.Close()
		}()
	}

	for _, src := range f.cfg.Sources {
		src := src
		g.Go(func() error {
			defer topo.releaseProducer(src.Name)
			return f.runSource(gctx, src, topo.sourceIn[src.Name], topo.sourceOut[src.Name])
		})
	}

	for _, jcfg := range f.cfg.Jobs {
		jcfg := jcfg
		g.Go(func() error {
			defer topo.releaseProducer(jcfg.Name)

			runner := job.New(jcfg, f.cfg.Variables, f.cfg.UserPayload, f.reg, f.store, cache,
				topo.jobIn[jcfg.Name], topo.jobOut[jcfg.Name])

			err := runner.Run(drainCtx)
			if err != nil && drainCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	for _, snk := range f.cfg.Sinks {
		snk := snk
		g.Go(func() error {
			return f.runSink(drainCtx, snk, topo.sinkIn[snk.Name])
		})
	}

	err = g.Wait()
	drainCancel()

	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		return nil
	}
	return err
}

// runSource validates and runs a source operation. The operation itself
// owns its ingest loop and emits on the outbound endpoints until ctx is
// cancelled.
func (f *Flow) runSource(ctx context.Context, src flowcfg.Endpoint, inbound *message.Endpoint, outbound []message.Endpoint) error {
	slog.Info("source run started", "flow", f.cfg.Name, "source", src.Name, "plugin", src.Plugin)

	op, ok := f.reg.Lookup(src.Plugin)
	if !ok {
		// Missing plugin at a source is unrecoverable, per the propagation
		// policy: the flow aborts.
		return fmt.Errorf("%w: source %q: %s", flowerr.ErrPluginMissing, src.Name, src.Plugin)
	}

	params, err := f.renderStageParams(src.Params, nil)
	if err != nil {
		return fmt.Errorf("source %q: %w", src.Name, err)
	}

	if err := op.Validate(params); err != nil {
		return fmt.Errorf("%w: source %q: %v", flowerr.ErrValidate, src.Name, err)
	}
	op.SetDatastore(f.store)

	var in []message.Endpoint
	if inbound != nil {
		in = []message.Endpoint{*inbound}
	}

	res, err := op.Run(ctx, src.Name, in, outbound, params)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: source %q: %v", flowerr.ErrExec, src.Name, err)
	}
	if res.Status == registry.StatusKo {
		return fmt.Errorf("%w: source %q: %s", flowerr.ErrExec, src.Name, res.Error)
	}
	return nil
}

// runSink pumps the sink's inbound endpoint and invokes the terminal
// operation once per message. Operation failures are logged, not fatal.
func (f *Flow) runSink(ctx context.Context, snk flowcfg.Endpoint, inbound *message.Endpoint) error {
	slog.Info("sink run started", "flow", f.cfg.Name, "sink", snk.Name, "plugin", snk.Plugin)

	if inbound == nil {
		return f.execSink(ctx, snk, nil)
	}

	for {
		msg, ok := inbound.Receive(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			slog.Info("sink inbound closed, exiting", "flow", f.cfg.Name, "sink", snk.Name)
			return nil
		}

		data := map[string]any{"data": msg.Value}
		if msg.Kind == message.KindJSONWithSender {
			data["msg_id"] = map[string]any{
				"uuid":   msg.UUID,
				"sender": msg.Sender,
				"source": msg.Source,
			}
		}

		if err := f.execSink(ctx, snk, data); err != nil {
			slog.Error("sink execution failed", "flow", f.cfg.Name, "sink", snk.Name, "error", err)
		}
	}
}

func (f *Flow) execSink(ctx context.Context, snk flowcfg.Endpoint, data map[string]any) error {
	op, ok := f.reg.Lookup(snk.Plugin)
	if !ok {
		return fmt.Errorf("%w: sink %q: %s", flowerr.ErrPluginMissing, snk.Name, snk.Plugin)
	}

	params, err := f.renderStageParams(snk.Params, data)
	if err != nil {
		return err
	}

	if err := op.Validate(params); err != nil {
		return fmt.Errorf("%w: %v", flowerr.ErrValidate, err)
	}
	op.SetDatastore(f.store)

	res, err := op.Run(ctx, snk.Name, nil, nil, params)
	if err != nil {
		return fmt.Errorf("%w: %v", flowerr.ErrExec, err)
	}
	if res.Status == registry.StatusKo {
		return fmt.Errorf("%w: %s", flowerr.ErrExec, res.Error)
	}
	return nil
}

// renderStageParams value-renders a source/sink param map against the flow
// variables plus any per-message data.
func (f *Flow) renderStageParams(params map[string]any, data map[string]any) (map[string]any, error) {
	ctx := map[string]any{"variables": f.cfg.Variables}
	for k, v := range data {
		ctx[k] = v
	}

	if params == nil {
		return map[string]any{}, nil
	}

	rendered, err := render.Value(params, ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: render stage params: %v", flowerr.ErrTemplate, err)
	}

	out, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: rendered stage params are not an object", flowerr.ErrTemplate)
	}
	return out, nil
}
