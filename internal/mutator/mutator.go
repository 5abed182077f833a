// Package mutator derives new sessions from corpus inputs. Mutations respect
// message boundaries and use the state graph to aim at transitions that have
// not been explored yet.
package mutator

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Config holds mutator settings and dependencies.
type Config struct {
	Settings config.MutatorConfig
	// Graph guides insertion. Optional.
	Graph    *stategraph.Graph
	Seed     uint64
	Logger   *logging.Logger
	Recorder metrics.Recorder
}

type weighted struct {
	strategy Strategy
	weight   int
}

// Mutator produces child sessions. A Mutator is not safe for concurrent use;
// give every worker its own.
type Mutator struct {
	rnd      *rand.Rand
	graph    *stategraph.Graph
	logger   *logging.Logger
	recorder metrics.Recorder

	weights   []weighted
	maxLen    int
	maxMsg    int
	tokens    [][]byte
	templates []session.Message
	dictTags  []stategraph.Tag

	countsMu sync.Mutex
	counts   map[Strategy]uint64
}

// New creates a mutator from cfg. The same seed and the same sequence of
// calls give the same children.
func New(cfg Config) (*Mutator, error) {
	s := cfg.Settings
	if s.MaxSessionLength < 1 {
		return nil, fmt.Errorf("max session length must be >= 1")
	}
	if s.MaxMessageSize < 1 {
		return nil, fmt.Errorf("max message size must be >= 1")
	}

	m := &Mutator{
		rnd:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		graph:    cfg.Graph,
		logger:   logging.OrDiscard(cfg.Logger).Named("mutator"),
		recorder: metrics.OrNoop(cfg.Recorder),
		maxLen:   s.MaxSessionLength,
		maxMsg:   s.MaxMessageSize,
		counts:   make(map[Strategy]uint64),
	}

	// Iterate in dispatch order so the draw does not depend on map order.
	total := 0
	for _, name := range config.StrategyNames {
		w, ok := s.Weights[name]
		if !ok || w == 0 {
			continue
		}
		if w < 0 {
			return nil, fmt.Errorf("negative weight for %s", name)
		}
		st, err := ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		m.weights = append(m.weights, weighted{strategy: st, weight: w})
		total += w
	}
	for name := range s.Weights {
		if _, err := ParseStrategy(name); err != nil {
			return nil, err
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("at least one strategy weight must be > 0")
	}

	for _, tok := range s.Tokens {
		if tok != "" {
			m.tokens = append(m.tokens, []byte(tok))
		}
	}
	seenTags := make(map[stategraph.Tag]bool)
	for _, t := range s.Templates {
		tag := stategraph.Tag(t.Tag)
		m.templates = append(m.templates, session.NewMessage(tag, []byte(t.Data)))
		if tag != stategraph.NoTag && !seenTags[tag] {
			seenTags[tag] = true
			m.dictTags = append(m.dictTags, tag)
		}
	}
	return m, nil
}

// Mutate derives a child from parent, optionally recombining with donor. It
// returns the child and the strategy that produced it.
//
// Mutate never fails. The child has between 1 and the configured maximum
// number of messages and differs from parent. Inapplicable strategies are
// dropped from the draw; when none applies the child duplicates a message,
// and when that is impossible one payload is mutated.
func (m *Mutator) Mutate(parent, donor *session.Input) (*session.Input, Strategy) {
	if parent == nil {
		parent = session.New()
	}

	candidates := make([]weighted, len(m.weights))
	copy(candidates, m.weights)
	for len(candidates) > 0 {
		i := m.draw(candidates)
		s := candidates[i].strategy
		if child, ok := m.try(s, parent, donor); ok {
			return child, s
		}
		candidates = append(candidates[:i], candidates[i+1:]...)
	}

	if child, ok := m.try(StrategyDuplicate, parent, donor); ok {
		return child, StrategyDuplicate
	}
	m.logger.Trace("no strategy applies to %v, forcing a payload mutation", parent)
	child := m.forceMessageMutation(parent)
	m.record(StrategyMessageMutation)
	return child, StrategyMessageMutation
}

// draw picks an index from candidates proportionally to its weight.
func (m *Mutator) draw(candidates []weighted) int {
	total := 0
	for _, c := range candidates {
		total += c.weight
	}
	val := m.rnd.IntN(total)
	for i, c := range candidates {
		val -= c.weight
		if val < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// try applies s and checks the result.
func (m *Mutator) try(s Strategy, parent, donor *session.Input) (*session.Input, bool) {
	child, ok := m.apply(s, parent, donor)
	if !ok || child == nil {
		return nil, false
	}
	if child.Len() > m.maxLen {
		msgs, _ := child.Slice(0, m.maxLen)
		child = session.New(msgs...)
	}
	if child.Len() == 0 || child.Equal(parent) {
		return nil, false
	}
	m.record(s)
	return child, true
}

func (m *Mutator) apply(s Strategy, parent, donor *session.Input) (*session.Input, bool) {
	switch s {
	case StrategyMessageMutation:
		return m.mutateMessage(parent)
	case StrategyInsertion:
		return m.insert(parent)
	case StrategyDeletion:
		return m.delete(parent)
	case StrategySplice:
		return m.splice(parent, donor)
	case StrategyReorder:
		return m.reorder(parent)
	case StrategyDuplicate:
		return m.duplicate(parent)
	default:
		panic(fmt.Sprintf("mutator: unhandled strategy %v", s))
	}
}

func (m *Mutator) record(s Strategy) {
	m.recorder.IncMutation(s.String())
	m.countsMu.Lock()
	m.counts[s]++
	m.countsMu.Unlock()
}

// Counts returns how often each strategy produced a child.
func (m *Mutator) Counts() map[Strategy]uint64 {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	out := make(map[Strategy]uint64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// otherPayloads returns the payloads of every message except index skip.
func otherPayloads(in *session.Input, skip int) [][]byte {
	others := make([][]byte, 0, in.Len())
	for i := 0; i < in.Len(); i++ {
		if i != skip {
			others = append(others, in.At(i).Bytes())
		}
	}
	return others
}

func (m *Mutator) replaceMessage(parent *session.Input, idx int, data []byte) *session.Input {
	child, _ := parent.Splice(idx, idx+1, []session.Message{parent.At(idx).WithData(data)})
	return child
}

func (m *Mutator) mutateMessage(parent *session.Input) (*session.Input, bool) {
	if parent.Len() == 0 {
		return nil, false
	}
	idx := m.rnd.IntN(parent.Len())
	data := m.mutatePayload(parent.At(idx).Bytes(), otherPayloads(parent, idx))
	return m.replaceMessage(parent, idx, data), true
}

// forceMessageMutation always yields a child that differs from parent.
func (m *Mutator) forceMessageMutation(parent *session.Input) *session.Input {
	if parent.Len() == 0 {
		return session.New(session.NewMessage(stategraph.NoTag, m.forceChange(nil)))
	}
	if parent.Len() > m.maxLen {
		msgs, _ := parent.Slice(0, m.maxLen)
		return session.New(msgs...)
	}
	idx := m.rnd.IntN(parent.Len())
	return m.replaceMessage(parent, idx, m.forceChange(parent.At(idx).Bytes()))
}

func (m *Mutator) delete(parent *session.Input) (*session.Input, bool) {
	if parent.Len() <= 1 {
		return nil, false
	}
	idx := m.rnd.IntN(parent.Len())
	child, err := parent.Splice(idx, idx+1, nil)
	return child, err == nil
}

func (m *Mutator) duplicate(parent *session.Input) (*session.Input, bool) {
	if parent.Len() == 0 || parent.Len() >= m.maxLen {
		return nil, false
	}
	from := m.rnd.IntN(parent.Len())
	to := m.rnd.IntN(parent.Len() + 1)
	child, err := parent.Splice(to, to, []session.Message{parent.At(from)})
	return child, err == nil
}
