// Package feedback turns the state trace of one execution into graph updates
// and decides whether the executed input is interesting.
package feedback

import (
	"fmt"
	"sync/atomic"

	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Config holds feedback dependencies.
type Config struct {
	Graph    *stategraph.Graph
	Logger   *logging.Logger
	Recorder metrics.Recorder
	Events   events.Emitter
}

// Result describes what one execution taught the graph.
type Result struct {
	Interesting    bool
	NewStates      int
	NewTransitions int
	// Outcomes has one entry per trace element, in trace order.
	Outcomes []stategraph.Outcome
}

// Feedback records execution traces into the shared graph. It is safe for
// concurrent use by several workers.
type Feedback struct {
	graph    *stategraph.Graph
	logger   *logging.Logger
	recorder metrics.Recorder
	events   events.Emitter

	executions  atomic.Uint64
	interesting atomic.Uint64
}

// New creates a feedback bound to cfg.Graph.
func New(cfg Config) (*Feedback, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	return &Feedback{
		graph:    cfg.Graph,
		logger:   logging.OrDiscard(cfg.Logger).Named("feedback"),
		recorder: metrics.OrNoop(cfg.Recorder),
		events:   events.OrNop(cfg.Events),
	}, nil
}

// Graph returns the graph the feedback writes to.
func (f *Feedback) Graph() *stategraph.Graph {
	return f.graph
}

// Observe records the states the target went through while in was replayed.
// trace[0] is entered from the session start; each later state is reached
// from its predecessor by the message at the same position. Messages beyond
// the input, or a nil input, give untagged transitions.
//
// An empty trace is not interesting and leaves the graph untouched.
func (f *Feedback) Observe(in *session.Input, trace []stategraph.StateID) Result {
	f.executions.Add(1)
	f.recorder.IncExecutions()

	if in != nil {
		in.RecordTrace(trace)
	}
	if len(trace) == 0 {
		return Result{}
	}

	res := Result{Outcomes: make([]stategraph.Outcome, len(trace))}
	for i, dst := range trace {
		tag := stategraph.NoTag
		if in != nil && i < in.Len() {
			tag = in.At(i).Tag
		}

		var o stategraph.Outcome
		if i == 0 {
			o = f.graph.RecordTransition(nil, dst, tag)
		} else {
			src := trace[i-1]
			o = f.graph.RecordTransition(&src, dst, tag)
		}
		res.Outcomes[i] = o

		switch o {
		case stategraph.NewState:
			res.NewStates++
		case stategraph.NewTransition:
			res.NewTransitions++
		}
	}

	res.Interesting = res.NewStates > 0 || res.NewTransitions > 0
	if res.Interesting {
		f.reportNovelty(in, res)
	}
	return res
}

func (f *Feedback) reportNovelty(in *session.Input, res Result) {
	f.interesting.Add(1)
	f.recorder.IncInteresting()

	nodes, edges := f.graph.StateCount(), f.graph.TransitionCount()
	f.recorder.SetGraphSize(nodes, edges)

	data := events.NoveltyData{
		NewStates:      res.NewStates,
		NewTransitions: res.NewTransitions,
		Nodes:          nodes,
		Edges:          edges,
	}
	if in != nil {
		data.Input = in.Hash()
	}
	f.events.Emit(events.EventNovelty, data)
	f.logger.Debug("new coverage: +%d states, +%d transitions (nodes=%d edges=%d)",
		res.NewStates, res.NewTransitions, nodes, edges)
}

// Executions returns the number of observed executions.
func (f *Feedback) Executions() uint64 {
	return f.executions.Load()
}

// Interesting returns the number of executions that were interesting.
func (f *Feedback) Interesting() uint64 {
	return f.interesting.Load()
}
