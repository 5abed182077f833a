// Package engine is an in-process fuzzing harness. Workers repeatedly pick a
// corpus entry, mutate it, run the child against an Executor and feed the
// resulting trace back into the shared state graph.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/feedback"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
	"github.com/sessfuzz/sessfuzz/internal/mutator"
	"github.com/sessfuzz/sessfuzz/internal/scheduler"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// ErrNoSeeds is returned by Run when there is nothing to start from.
var ErrNoSeeds = errors.New("no seed inputs")

// Config holds engine settings and dependencies.
type Config struct {
	Settings *config.Config
	Executor Executor
	Seeds    []*session.Input
	// Campaign defaults to a new random id.
	Campaign uuid.UUID
	// Graph may be restored from an earlier campaign. Defaults to an empty graph.
	Graph *stategraph.Graph

	Logger   *logging.Logger
	Recorder metrics.Recorder
	Events   events.Emitter
}

// Stats summarizes a campaign.
type Stats struct {
	Executions  uint64
	Interesting uint64
	Failures    uint64
	Corpus      int
	States      int
	Transitions int
	Mutations   map[string]uint64
	Elapsed     time.Duration
}

// Engine runs a campaign. An Engine runs once.
type Engine struct {
	settings *config.Config
	exec     Executor
	seeds    []*session.Input
	campaign uuid.UUID

	graph    *stategraph.Graph
	corpus   *scheduler.Corpus
	sched    *scheduler.Scheduler
	fb       *feedback.Feedback
	mutators []*mutator.Mutator

	logger   *logging.Logger
	recorder metrics.Recorder
	events   events.Emitter

	reserved atomic.Uint64
	failures atomic.Uint64
	running  atomic.Bool
	started  atomic.Int64
	elapsed  atomic.Int64
}

// New validates cfg and wires the campaign components. A configuration or
// integration fault is returned as *config.Fault.
func New(cfg Config) (*Engine, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	e := &Engine{
		settings: cfg.Settings,
		exec:     cfg.Executor,
		seeds:    cfg.Seeds,
		campaign: cfg.Campaign,
		graph:    cfg.Graph,
		corpus:   scheduler.NewCorpus(),
		logger:   logging.OrDiscard(cfg.Logger).Named("engine"),
		recorder: metrics.OrNoop(cfg.Recorder),
		events:   events.OrNop(cfg.Events),
	}
	if e.campaign == uuid.Nil {
		e.campaign = uuid.New()
	}
	if e.graph == nil {
		e.graph = stategraph.New()
	}

	var err error
	e.fb, err = feedback.New(feedback.Config{
		Graph:    e.graph,
		Logger:   cfg.Logger,
		Recorder: e.recorder,
		Events:   e.events,
	})
	if err != nil {
		return nil, err
	}
	e.sched, err = scheduler.New(scheduler.Config{
		Settings: cfg.Settings.Scheduler,
		Corpus:   e.corpus,
		Graph:    e.graph,
		Logger:   cfg.Logger,
		Recorder: e.recorder,
	})
	if err != nil {
		return nil, err
	}

	for w := 0; w < cfg.Settings.Engine.Workers; w++ {
		m, err := mutator.New(mutator.Config{
			Settings: cfg.Settings.Mutator,
			Graph:    e.graph,
			Seed:     workerSeed(cfg.Settings.Scheduler.Seed, w),
			Logger:   cfg.Logger,
			Recorder: e.recorder,
		})
		if err != nil {
			return nil, err
		}
		e.mutators = append(e.mutators, m)
	}
	return e, nil
}

func workerSeed(base uint64, worker int) uint64 {
	return base + uint64(worker+1)*0x9e3779b97f4a7c15
}

// Campaign returns the campaign id.
func (e *Engine) Campaign() uuid.UUID { return e.campaign }

// Graph returns the shared state graph.
func (e *Engine) Graph() *stategraph.Graph { return e.graph }

// Corpus returns the campaign corpus.
func (e *Engine) Corpus() *scheduler.Corpus { return e.corpus }

// Executions returns the number of executions so far.
func (e *Engine) Executions() uint64 { return e.fb.Executions() }

// CorpusSize returns the number of corpus entries.
func (e *Engine) CorpusSize() int { return e.corpus.Len() }

// Stats returns a summary of the campaign so far.
func (e *Engine) Stats() Stats {
	s := Stats{
		Executions:  e.fb.Executions(),
		Interesting: e.fb.Interesting(),
		Failures:    e.failures.Load(),
		Corpus:      e.corpus.Len(),
		States:      e.graph.StateCount(),
		Transitions: e.graph.TransitionCount(),
		Mutations:   make(map[string]uint64),
	}
	for _, m := range e.mutators {
		for strategy, n := range m.Counts() {
			s.Mutations[strategy.String()] += n
		}
	}
	if e.running.Load() {
		s.Elapsed = time.Since(time.Unix(0, e.started.Load()))
	} else {
		s.Elapsed = time.Duration(e.elapsed.Load())
	}
	return s
}

// Run executes the seeds, then fuzzes with the configured number of workers
// until ctx is cancelled, the execution budget is spent, or an executor
// returns ErrAbort.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	start := time.Now()
	e.started.Store(start.UnixNano())
	defer func() {
		e.elapsed.Store(int64(time.Since(start)))
		e.running.Store(false)
	}()

	if len(e.seeds) == 0 {
		return ErrNoSeeds
	}

	workers := e.settings.Engine.Workers
	e.logger.Info("Campaign %s: %d seeds, %d workers", e.campaign, len(e.seeds), workers)
	e.events.Emit(events.EventCampaign, events.CampaignData{State: "started", Workers: workers, Corpus: len(e.seeds)})

	for _, seed := range e.seeds {
		if ctx.Err() != nil {
			break
		}
		if err := e.runSeed(ctx, seed); err != nil {
			return e.finish(err)
		}
	}
	e.recorder.SetCorpusSize(e.corpus.Len())

	g, gctx := errgroup.WithContext(ctx)
	for w, m := range e.mutators {
		rnd := rand.New(rand.NewPCG(workerSeed(e.settings.Scheduler.Seed, w), uint64(w)))
		g.Go(func() error {
			return e.worker(gctx, w, m, rnd)
		})
	}
	return e.finish(g.Wait())
}

func (e *Engine) finish(err error) error {
	st := e.Stats()
	state := "stopped"
	if err != nil {
		state = "failed"
		e.events.Emit(events.EventError, events.ErrorData{Message: err.Error()})
	}
	e.events.Emit(events.EventCampaign, events.CampaignData{State: state, Corpus: st.Corpus})
	e.logger.Info("Campaign %s %s: %d executions, %d interesting, %d states, %d transitions",
		e.campaign, state, st.Executions, st.Interesting, st.States, st.Transitions)
	return err
}

// reserve claims one execution from the budget.
func (e *Engine) reserve() bool {
	limit := e.settings.Engine.MaxExecutions
	if limit == 0 {
		return true
	}
	return e.reserved.Add(1) <= limit
}

func (e *Engine) runSeed(ctx context.Context, seed *session.Input) error {
	if !e.reserve() {
		e.corpus.Add(seed)
		return nil
	}
	_, err := e.execute(ctx, seed)
	// Seeds stay in the corpus even when they teach nothing.
	e.corpus.Add(seed)
	return err
}

func (e *Engine) worker(ctx context.Context, id int, m *mutator.Mutator, rnd *rand.Rand) error {
	e.logger.Debug("Worker %d started", id)
	defer e.logger.Debug("Worker %d stopped", id)

	for ctx.Err() == nil && e.reserve() {
		entry, err := e.sched.Next()
		if err != nil {
			return err
		}
		child, strategy := m.Mutate(entry.Input, e.pickDonor(rnd, entry.ID))

		res, err := e.execute(ctx, child)
		if err != nil {
			return err
		}
		if res.Interesting {
			cid := e.corpus.Add(child)
			e.recorder.SetCorpusSize(e.corpus.Len())
			e.logger.Debug("Worker %d: %s on entry %d gave entry %d (+%d states, +%d transitions)",
				id, strategy, entry.ID, cid, res.NewStates, res.NewTransitions)
		}
	}
	return nil
}

func (e *Engine) pickDonor(rnd *rand.Rand, skip scheduler.EntryID) *session.Input {
	n := e.corpus.Len()
	if n < 2 {
		return nil
	}
	id := scheduler.EntryID(rnd.IntN(n - 1))
	if id >= skip {
		id++
	}
	entry, ok := e.corpus.Get(id)
	if !ok {
		return nil
	}
	return entry.Input
}

// execute runs in and records its trace. Only ErrAbort is returned; other
// executor errors are counted as failures.
func (e *Engine) execute(ctx context.Context, in *session.Input) (feedback.Result, error) {
	start := time.Now()
	trace, err := e.exec.Execute(ctx, in)
	e.recorder.ObserveExecDuration(time.Since(start))

	if err != nil {
		if errors.Is(err, ErrAbort) {
			return feedback.Result{}, err
		}
		if ctx.Err() != nil {
			return feedback.Result{}, nil
		}
		if config.IsIntegration(err) {
			return feedback.Result{}, fmt.Errorf("%w: %v", ErrAbort, err)
		}
		e.failures.Add(1)
		e.logger.Debug("Execution failed: %v", err)
		return feedback.Result{}, nil
	}
	return e.fb.Observe(in, trace), nil
}
