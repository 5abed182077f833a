package mutator

import (
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// point is the state a session is in right before a message is sent.
// Position 0 is the entry point, shared by every session.
type point struct {
	entry bool
	state stategraph.StateID
}

// preState returns the point before message i, using the cached trace.
func preState(in *session.Input, i int) (point, bool) {
	if i == 0 {
		return point{entry: true}, in.Trace() != nil
	}
	s, ok := in.StateBefore(i)
	return point{state: s}, ok
}

// insertionSite is a position whose pre-state lacks outgoing edges for some
// known tags.
type insertionSite struct {
	pos     int
	missing map[stategraph.Tag]bool
}

// unexploredSites returns the positions of in whose pre-state has not been
// left with every known tag yet.
func (m *Mutator) unexploredSites(in *session.Input) []insertionSite {
	if m.graph == nil || in.Trace() == nil {
		return nil
	}

	known := make(map[stategraph.Tag]bool)
	for _, t := range m.graph.KnownTags() {
		if t != stategraph.NoTag {
			known[t] = true
		}
	}
	for _, t := range m.dictTags {
		known[t] = true
	}
	if len(known) == 0 {
		return nil
	}

	var sites []insertionSite
	for pos := 0; pos <= in.Len(); pos++ {
		p, ok := preState(in, pos)
		if !ok {
			continue
		}
		explored := make(map[stategraph.Tag]bool)
		if p.entry {
			for _, t := range m.graph.EntryTags() {
				explored[t] = true
			}
		} else {
			for _, n := range m.graph.Neighbors(p.state) {
				explored[n.Tag] = true
			}
		}
		missing := make(map[stategraph.Tag]bool)
		for t := range known {
			if !explored[t] {
				missing[t] = true
			}
		}
		if len(missing) > 0 {
			sites = append(sites, insertionSite{pos: pos, missing: missing})
		}
	}
	return sites
}

// insert adds one message. Positions after a state with unexplored outgoing
// tags are preferred, together with a template carrying one of those tags.
func (m *Mutator) insert(parent *session.Input) (*session.Input, bool) {
	if parent.Len() >= m.maxLen {
		return nil, false
	}
	if len(m.templates) == 0 && parent.Len() == 0 {
		return nil, false
	}

	if sites := m.unexploredSites(parent); len(sites) > 0 {
		site := sites[m.rnd.IntN(len(sites))]
		var matching []session.Message
		for _, t := range m.templates {
			if site.missing[t.Tag] {
				matching = append(matching, t)
			}
		}
		msg := m.pickInsertion(parent)
		if len(matching) > 0 {
			msg = matching[m.rnd.IntN(len(matching))]
		}
		child, err := parent.Splice(site.pos, site.pos, []session.Message{msg})
		return child, err == nil
	}

	pos := m.rnd.IntN(parent.Len() + 1)
	child, err := parent.Splice(pos, pos, []session.Message{m.pickInsertion(parent)})
	return child, err == nil
}

// pickInsertion draws a template or a message of the session.
func (m *Mutator) pickInsertion(parent *session.Input) session.Message {
	n := len(m.templates) + parent.Len()
	i := m.rnd.IntN(n)
	if i < len(m.templates) {
		return m.templates[i]
	}
	return parent.At(i - len(m.templates))
}

type splicePoint struct {
	recipient, donor int
}

// compatiblePoints returns the positions where recipient and donor are in
// the same state.
func compatiblePoints(recipient, donor *session.Input) []splicePoint {
	if recipient.Trace() == nil || donor.Trace() == nil {
		return nil
	}
	byState := make(map[point][]int)
	for j := 0; j < donor.Len(); j++ {
		if p, ok := preState(donor, j); ok {
			byState[p] = append(byState[p], j)
		}
	}
	var points []splicePoint
	for i := 0; i < recipient.Len(); i++ {
		p, ok := preState(recipient, i)
		if !ok {
			continue
		}
		for _, j := range byState[p] {
			points = append(points, splicePoint{recipient: i, donor: j})
		}
	}
	return points
}

// splice replaces a run of parent messages with a run taken from donor.
// Both runs start where the two sessions are in the same state; without such
// a point the positions are random.
func (m *Mutator) splice(parent, donor *session.Input) (*session.Input, bool) {
	if donor == nil || donor.Len() == 0 {
		return nil, false
	}

	var at splicePoint
	if points := compatiblePoints(parent, donor); len(points) > 0 {
		at = points[m.rnd.IntN(len(points))]
	} else {
		at = splicePoint{
			recipient: m.rnd.IntN(parent.Len() + 1),
			donor:     m.rnd.IntN(donor.Len()),
		}
	}

	take := 1 + m.rnd.IntN(donor.Len()-at.donor)
	drop := m.rnd.IntN(parent.Len() - at.recipient + 1)
	repl, err := donor.Slice(at.donor, at.donor+take)
	if err != nil {
		return nil, false
	}
	child, err := parent.Splice(at.recipient, at.recipient+drop, repl)
	return child, err == nil
}

// reorder swaps two different messages that are sent from the same state,
// i.e. two outgoing transitions of one source.
func (m *Mutator) reorder(parent *session.Input) (*session.Input, bool) {
	if parent.Len() < 2 || parent.Trace() == nil {
		return nil, false
	}

	byState := make(map[stategraph.StateID][]int)
	for i := 1; i < parent.Len(); i++ {
		if s, ok := parent.StateBefore(i); ok {
			byState[s] = append(byState[s], i)
		}
	}

	var pairs [][2]int
	for i := 1; i < parent.Len(); i++ {
		s, ok := parent.StateBefore(i)
		if !ok {
			continue
		}
		for _, j := range byState[s] {
			if j > i && !parent.At(i).Equal(parent.At(j)) {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	if len(pairs) == 0 {
		return nil, false
	}

	pair := pairs[m.rnd.IntN(len(pairs))]
	msgs := parent.Messages()
	msgs[pair[0]], msgs[pair[1]] = msgs[pair[1]], msgs[pair[0]]
	return session.New(msgs...), true
}
