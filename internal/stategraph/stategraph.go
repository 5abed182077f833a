// Package stategraph maintains the protocol state model learned during a
// fuzzing campaign: the states the target reported and the tagged transitions
// observed between them.
package stategraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StateID identifies a target state as reported by instrumentation.
type StateID uint64

// NodeID is the index of a state in the graph's arena. It is stable for the
// lifetime of the graph.
type NodeID int

// Tag classifies the message that caused a transition (e.g. "USER", "PASS").
type Tag string

// NoTag marks a message whose type is unknown.
const NoTag Tag = ""

// Outcome reports what a recorded transition added to the graph.
type Outcome int

const (
	// Known means nothing new was learned.
	Known Outcome = iota
	// NewTransition means the edge was not seen before but its target was.
	NewTransition
	// NewState means the target state was never seen before.
	NewState
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Known:
		return "known"
	case NewTransition:
		return "new-transition"
	case NewState:
		return "new-state"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Novel reports whether the outcome taught the graph something.
func (o Outcome) Novel() bool {
	return o == NewTransition || o == NewState
}

// Errors returned by Restore.
var (
	ErrUnknownState   = errors.New("transition references unknown state")
	ErrDuplicateState = errors.New("duplicate state")
)

// State is a discovered target state.
type State struct {
	ID           StateID   `json:"id"`
	Generation   int       `json:"generation"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Visits       uint64    `json:"visits"`
}

// Transition is a directed, tagged edge between two states.
type Transition struct {
	Src  StateID `json:"src"`
	Dst  StateID `json:"dst"`
	Tag  Tag     `json:"tag"`
	Hits uint64  `json:"hits"`
}

// Entry is a transition from the session start into a state.
type Entry struct {
	Dst  StateID `json:"dst"`
	Tag  Tag     `json:"tag"`
	Hits uint64  `json:"hits"`
}

// Neighbor is an outgoing edge as seen from its source state.
type Neighbor struct {
	ID   StateID
	Tag  Tag
	Hits uint64
}

// Snapshot is a point-in-time copy of a graph. States are ordered by
// generation; transitions and entries by insertion.
type Snapshot struct {
	States      []State      `json:"states"`
	Transitions []Transition `json:"transitions"`
	Entries     []Entry      `json:"entries"`
}

type edgeKey struct {
	src, dst NodeID
	tag      Tag
}

type entryKey struct {
	dst NodeID
	tag Tag
}

type edge struct {
	src, dst NodeID
	tag      Tag
	hits     uint64
}

type entryEdge struct {
	dst  NodeID
	tag  Tag
	hits uint64
}

// Graph is the campaign's state model. States and edges are only ever added;
// the whole graph can be cleared with Reset or rebuilt with Restore.
//
// Graph is safe for concurrent use: one writer at a time, many readers.
type Graph struct {
	mu sync.RWMutex

	states []State
	index  map[StateID]NodeID

	edges     []edge
	edgeIndex map[edgeKey]int
	out       [][]int

	entries    []entryEdge
	entryIndex map[entryKey]int

	tags map[Tag]struct{}
	now  func() time.Time
}

// New creates an empty graph.
func New() *Graph {
	g := &Graph{now: time.Now}
	g.reset()
	return g
}

func (g *Graph) reset() {
	g.states = nil
	g.index = make(map[StateID]NodeID)
	g.edges = nil
	g.edgeIndex = make(map[edgeKey]int)
	g.out = nil
	g.entries = nil
	g.entryIndex = make(map[entryKey]int)
	g.tags = make(map[Tag]struct{})
}

// node returns the arena index for id, creating the state if needed.
func (g *Graph) node(id StateID) (NodeID, bool) {
	if n, ok := g.index[id]; ok {
		return n, false
	}
	n := NodeID(len(g.states))
	g.states = append(g.states, State{
		ID:           id,
		Generation:   len(g.states),
		DiscoveredAt: g.now(),
	})
	g.out = append(g.out, nil)
	g.index[id] = n
	return n, true
}

// RecordTransition records that the target moved from src to dst after a
// message tagged tag. A nil src marks the first state of a session.
//
// The result is NewState if dst was never seen, NewTransition if dst was known
// but the edge was not, and Known otherwise. An unknown src is added to the
// graph first.
func (g *Graph) RecordTransition(src *StateID, dst StateID, tag Tag) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	var srcNode NodeID
	if src != nil {
		srcNode, _ = g.node(*src)
	}
	dstNode, dstNew := g.node(dst)
	g.states[dstNode].Visits++
	g.tags[tag] = struct{}{}

	edgeNew := false
	if src == nil {
		key := entryKey{dst: dstNode, tag: tag}
		i, ok := g.entryIndex[key]
		if !ok {
			i = len(g.entries)
			g.entries = append(g.entries, entryEdge{dst: dstNode, tag: tag})
			g.entryIndex[key] = i
			edgeNew = true
		}
		g.entries[i].hits++
	} else {
		key := edgeKey{src: srcNode, dst: dstNode, tag: tag}
		i, ok := g.edgeIndex[key]
		if !ok {
			i = len(g.edges)
			g.edges = append(g.edges, edge{src: srcNode, dst: dstNode, tag: tag})
			g.edgeIndex[key] = i
			g.out[srcNode] = append(g.out[srcNode], i)
			edgeNew = true
		}
		g.edges[i].hits++
	}

	switch {
	case dstNew:
		return NewState
	case edgeNew:
		return NewTransition
	default:
		return Known
	}
}

// StateCount returns the number of distinct states.
func (g *Graph) StateCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.states)
}

// TransitionCount returns the number of distinct state-to-state edges. Entry
// edges are not counted.
func (g *Graph) TransitionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// EntryCount returns the number of distinct entry edges.
func (g *Graph) EntryCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Generation returns the number of states discovered so far. A state's
// Generation is always lower than this value.
func (g *Graph) Generation() int {
	return g.StateCount()
}

// Contains reports whether id was ever observed.
func (g *Graph) Contains(id StateID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[id]
	return ok
}

// State returns the state with the given id.
func (g *Graph) State(id StateID) (State, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.index[id]
	if !ok {
		return State{}, false
	}
	return g.states[n], true
}

// StatesSince returns the states whose Generation is at least gen, in
// discovery order.
func (g *Graph) StatesSince(gen int) []State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if gen < 0 {
		gen = 0
	}
	if gen >= len(g.states) {
		return nil
	}
	out := make([]State, len(g.states)-gen)
	copy(out, g.states[gen:])
	return out
}

// Visits returns how often id was entered, 0 if unknown.
func (g *Graph) Visits(id StateID) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.index[id]; ok {
		return g.states[n].Visits
	}
	return 0
}

// Neighbors returns the outgoing edges of id in insertion order, or nil if id
// is unknown or has none.
func (g *Graph) Neighbors(id StateID) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.index[id]
	if !ok || len(g.out[n]) == 0 {
		return nil
	}
	result := make([]Neighbor, 0, len(g.out[n]))
	for _, i := range g.out[n] {
		e := g.edges[i]
		result = append(result, Neighbor{ID: g.states[e.dst].ID, Tag: e.tag, Hits: e.hits})
	}
	return result
}

// EntryTags returns the distinct tags seen on entry edges, sorted.
func (g *Graph) EntryTags() []Tag {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[Tag]struct{}, len(g.entries))
	for _, e := range g.entries {
		seen[e.tag] = struct{}{}
	}
	return sortedTags(seen)
}

// KnownTags returns every tag ever recorded on any edge, sorted.
func (g *Graph) KnownTags() []Tag {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedTags(g.tags)
}

func sortedTags(set map[Tag]struct{}) []Tag {
	tags := make([]Tag, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// RarestStates returns up to k states with the fewest visits. Ties go to the
// state discovered first.
func (g *Graph) RarestStates(k int) []State {
	if k <= 0 {
		return nil
	}
	g.mu.RLock()
	states := make([]State, len(g.states))
	copy(states, g.states)
	g.mu.RUnlock()

	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Visits != states[j].Visits {
			return states[i].Visits < states[j].Visits
		}
		return states[i].Generation < states[j].Generation
	})
	if k < len(states) {
		states = states[:k]
	}
	return states
}

// Snapshot returns a copy of the graph.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{
		States:      make([]State, len(g.states)),
		Transitions: make([]Transition, len(g.edges)),
		Entries:     make([]Entry, len(g.entries)),
	}
	copy(snap.States, g.states)
	for i, e := range g.edges {
		snap.Transitions[i] = Transition{
			Src:  g.states[e.src].ID,
			Dst:  g.states[e.dst].ID,
			Tag:  e.tag,
			Hits: e.hits,
		}
	}
	for i, e := range g.entries {
		snap.Entries[i] = Entry{Dst: g.states[e.dst].ID, Tag: e.tag, Hits: e.hits}
	}
	return snap
}

// Restore replaces the graph contents with snap. States are re-numbered in
// snapshot order. On error the graph is left unchanged.
func (g *Graph) Restore(snap Snapshot) error {
	rebuilt := &Graph{now: g.now}
	rebuilt.reset()

	for _, s := range snap.States {
		if _, ok := rebuilt.index[s.ID]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateState, s.ID)
		}
		n := NodeID(len(rebuilt.states))
		s.Generation = int(n)
		rebuilt.states = append(rebuilt.states, s)
		rebuilt.out = append(rebuilt.out, nil)
		rebuilt.index[s.ID] = n
	}
	for _, t := range snap.Transitions {
		src, ok1 := rebuilt.index[t.Src]
		dst, ok2 := rebuilt.index[t.Dst]
		if !ok1 || !ok2 {
			return fmt.Errorf("%w: %d -> %d", ErrUnknownState, t.Src, t.Dst)
		}
		key := edgeKey{src: src, dst: dst, tag: t.Tag}
		if i, ok := rebuilt.edgeIndex[key]; ok {
			rebuilt.edges[i].hits += t.Hits
			continue
		}
		i := len(rebuilt.edges)
		rebuilt.edges = append(rebuilt.edges, edge{src: src, dst: dst, tag: t.Tag, hits: t.Hits})
		rebuilt.edgeIndex[key] = i
		rebuilt.out[src] = append(rebuilt.out[src], i)
		rebuilt.tags[t.Tag] = struct{}{}
	}
	for _, e := range snap.Entries {
		dst, ok := rebuilt.index[e.Dst]
		if !ok {
			return fmt.Errorf("%w: entry -> %d", ErrUnknownState, e.Dst)
		}
		key := entryKey{dst: dst, tag: e.Tag}
		if i, ok := rebuilt.entryIndex[key]; ok {
			rebuilt.entries[i].hits += e.Hits
			continue
		}
		rebuilt.entryIndex[key] = len(rebuilt.entries)
		rebuilt.entries = append(rebuilt.entries, entryEdge{dst: dst, tag: e.Tag, hits: e.Hits})
		rebuilt.tags[e.Tag] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.states = rebuilt.states
	g.index = rebuilt.index
	g.edges = rebuilt.edges
	g.edgeIndex = rebuilt.edgeIndex
	g.out = rebuilt.out
	g.entries = rebuilt.entries
	g.entryIndex = rebuilt.entryIndex
	g.tags = rebuilt.tags
	return nil
}

// Reset discards every state and edge. Only call it between runs.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
}
