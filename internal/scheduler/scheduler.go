// Package scheduler decides which corpus entry is mutated next. Entries that
// reach rarely visited or recently discovered states are preferred, and long
// sessions pay a small cost.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// ErrEmptyCorpus is returned by Next when there is nothing to schedule.
var ErrEmptyCorpus = errors.New("corpus is empty")

// Config holds scheduler settings and dependencies.
type Config struct {
	Settings config.SchedulerConfig
	Corpus   *Corpus
	Graph    *stategraph.Graph
	Logger   *logging.Logger
	Recorder metrics.Recorder
}

// Scheduler picks corpus entries. It is safe for concurrent use; calls to Next
// are serialized.
type Scheduler struct {
	settings config.SchedulerConfig
	corpus   *Corpus
	graph    *stategraph.Graph
	logger   *logging.Logger
	recorder metrics.Recorder

	mu      sync.Mutex
	rnd     *rand.Rand
	round   uint64
	started bool
	seenGen int
	stamps  map[stategraph.StateID]uint64
}

// New creates a scheduler over cfg.Corpus and cfg.Graph.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Corpus == nil {
		return nil, fmt.Errorf("scheduler requires a corpus")
	}
	if cfg.Graph == nil {
		return nil, fmt.Errorf("scheduler requires a state graph")
	}
	s := cfg.Settings
	switch s.Mode {
	case config.ModeWeighted, config.ModeGreedy:
	case "":
		s.Mode = config.ModeWeighted
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", s.Mode)
	}
	if s.FreshnessDecay < 0 || s.FreshnessDecay > 1 {
		return nil, fmt.Errorf("freshness decay must be in [0,1], got %v", s.FreshnessDecay)
	}
	if s.RarityExponent < 0 || s.FreshnessBoost < 0 || s.CostPenalty < 0 || s.UntracedWeight < 0 {
		return nil, fmt.Errorf("scheduler factors must be >= 0")
	}

	return &Scheduler{
		settings: s,
		corpus:   cfg.Corpus,
		graph:    cfg.Graph,
		logger:   logging.OrDiscard(cfg.Logger).Named("scheduler"),
		recorder: metrics.OrNoop(cfg.Recorder),
		rnd:      rand.New(rand.NewPCG(s.Seed, s.Seed^0xda942042e4dd58b5)),
		stamps:   make(map[stategraph.StateID]uint64),
	}, nil
}

// Corpus returns the corpus being scheduled.
func (s *Scheduler) Corpus() *Corpus {
	return s.corpus
}

// Round returns the number of Next calls so far.
func (s *Scheduler) Round() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Next returns the entry to mutate next.
func (s *Scheduler) Next() (*Entry, error) {
	entries := s.corpus.Entries()
	s.recorder.SetCorpusSize(len(entries))
	if len(entries) == 0 {
		return nil, ErrEmptyCorpus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.round++
	s.stampFresh()

	order := make([]ranked, len(entries))
	for i, e := range entries {
		order[i] = rankedEntry(e, s.weight(e))
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.length != b.length {
			return a.length < b.length
		}
		return a.entry.ID < b.entry.ID
	})

	if s.settings.Mode == config.ModeGreedy {
		return order[0].entry, nil
	}
	return s.roulette(order), nil
}

// Weight returns the current weight of e without advancing the round.
func (s *Scheduler) Weight(e *Entry) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight(e)
}

// stampFresh records the current round for states discovered since the last
// call. States already in the graph at the first call are never fresh.
func (s *Scheduler) stampFresh() {
	if !s.started {
		s.started = true
		s.seenGen = s.graph.Generation()
		return
	}
	newStates := s.graph.StatesSince(s.seenGen)
	for _, st := range newStates {
		s.stamps[st.ID] = s.round
	}
	s.seenGen += len(newStates)
	if len(newStates) > 0 {
		s.logger.Trace("round %d: %d fresh states", s.round, len(newStates))
	}
}

func (s *Scheduler) weight(e *Entry) float64 {
	in := e.Input
	cost := 1 / (1 + s.settings.CostPenalty*float64(in.Len()))

	trace := in.Trace()
	if trace == nil {
		return s.settings.UntracedWeight * cost
	}

	var novelty, freshest float64
	seen := make(map[stategraph.StateID]struct{}, len(trace))
	for _, id := range trace {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		novelty += 1 / (1 + float64(s.graph.Visits(id)))
		if stamp, ok := s.stamps[id]; ok {
			if f := math.Pow(s.settings.FreshnessDecay, float64(s.round-stamp)); f > freshest {
				freshest = f
			}
		}
	}
	fresh := 1 + s.settings.FreshnessBoost*freshest
	return math.Pow(novelty, s.settings.RarityExponent) * fresh * cost
}

func (s *Scheduler) roulette(r []ranked) *Entry {
	var total float64
	for _, e := range r {
		total += e.weight
	}
	if total <= 0 {
		return r[0].entry
	}
	val := s.rnd.Float64() * total
	for _, e := range r {
		val -= e.weight
		if val < 0 {
			return e.entry
		}
	}
	// Rounding can leave val at exactly zero.
	for i := len(r) - 1; i >= 0; i-- {
		if r[i].weight > 0 {
			return r[i].entry
		}
	}
	return r[0].entry
}

type ranked struct {
	entry  *Entry
	weight float64
	length int
}

func rankedEntry(e *Entry, w float64) ranked {
	return ranked{entry: e, weight: w, length: e.Input.Len()}
}
