package feedback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.EventType
	data   []interface{}
}

func (c *captureEmitter) Emit(t events.EventType, d interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, t)
	c.data = append(c.data, d)
}

func (c *captureEmitter) Close() error { return nil }

type countingRecorder struct {
	mu                      sync.Mutex
	executions, interesting int
	states, transitions     int
}

func (r *countingRecorder) IncExecutions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions++
}

func (r *countingRecorder) IncInteresting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interesting++
}

func (r *countingRecorder) SetGraphSize(states, transitions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states, r.transitions = states, transitions
}

func (r *countingRecorder) ObserveExecDuration(time.Duration) {}
func (r *countingRecorder) SetCorpusSize(int)                 {}
func (r *countingRecorder) IncMutation(string)                {}
func (r *countingRecorder) IncImportSkipped(string)           {}

func newFeedback(t *testing.T) (*Feedback, *stategraph.Graph) {
	t.Helper()
	g := stategraph.New()
	f, err := New(Config{Graph: g})
	require.NoError(t, err)
	return f, g
}

func input(tags ...stategraph.Tag) *session.Input {
	msgs := make([]session.Message, len(tags))
	for i, tag := range tags {
		msgs[i] = session.NewMessage(tag, []byte(string(tag)+"\r\n"))
	}
	return session.New(msgs...)
}

func TestNew_RequiresGraph(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestObserve_NewStatesThenPartialOverlap(t *testing.T) {
	f, g := newFeedback(t)

	res := f.Observe(input("A", "B", "C"), []stategraph.StateID{0xA, 0xB, 0xC})
	assert.True(t, res.Interesting)
	assert.Equal(t, 3, res.NewStates)
	assert.Equal(t, 0, res.NewTransitions)

	res = f.Observe(input("A", "B", "C"), []stategraph.StateID{0xA, 0xB, 0xD})
	assert.True(t, res.Interesting)
	assert.Equal(t, 1, res.NewStates)
	assert.Equal(t, []stategraph.Outcome{stategraph.Known, stategraph.Known, stategraph.NewState}, res.Outcomes)

	assert.Equal(t, 4, g.StateCount())
	assert.Equal(t, 3, g.TransitionCount())
	assert.Equal(t, uint64(2), f.Executions())
	assert.Equal(t, uint64(2), f.Interesting())
}

func TestObserve_RepeatIsNotInteresting(t *testing.T) {
	f, _ := newFeedback(t)
	trace := []stategraph.StateID{1, 2, 3}

	require.True(t, f.Observe(input("A", "B", "C"), trace).Interesting)
	res := f.Observe(input("A", "B", "C"), trace)
	assert.False(t, res.Interesting)
	assert.Zero(t, res.NewStates)
	assert.Zero(t, res.NewTransitions)
}

func TestObserve_NewTransitionBetweenKnownStates(t *testing.T) {
	f, _ := newFeedback(t)
	f.Observe(input("A", "B"), []stategraph.StateID{1, 2})

	res := f.Observe(input("A", "B", "C"), []stategraph.StateID{1, 2, 1})
	assert.True(t, res.Interesting)
	assert.Zero(t, res.NewStates)
	assert.Equal(t, 1, res.NewTransitions)
}

func TestObserve_DifferentTagIsNewTransition(t *testing.T) {
	f, _ := newFeedback(t)
	f.Observe(input("USER", "PASS"), []stategraph.StateID{1, 2})

	res := f.Observe(input("USER", "ACCT"), []stategraph.StateID{1, 2})
	assert.True(t, res.Interesting)
	assert.Equal(t, 1, res.NewTransitions)
}

func TestObserve_TagsAlignWithMessages(t *testing.T) {
	f, g := newFeedback(t)
	f.Observe(input("USER", "PASS"), []stategraph.StateID{1, 2, 3})

	snap := g.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, stategraph.Tag("USER"), snap.Entries[0].Tag)
	require.Len(t, snap.Transitions, 2)
	assert.Equal(t, stategraph.Tag("PASS"), snap.Transitions[0].Tag)
	assert.Equal(t, stategraph.NoTag, snap.Transitions[1].Tag)
}

func TestObserve_EmptyTrace(t *testing.T) {
	f, g := newFeedback(t)
	in := input("A")

	res := f.Observe(in, nil)
	assert.False(t, res.Interesting)
	assert.Empty(t, res.Outcomes)
	assert.Zero(t, g.StateCount())
	assert.Equal(t, uint64(1), f.Executions())
}

func TestObserve_SingleStateIsEntryOnly(t *testing.T) {
	f, g := newFeedback(t)
	res := f.Observe(input("A"), []stategraph.StateID{9})

	assert.True(t, res.Interesting)
	assert.Equal(t, 1, g.StateCount())
	assert.Zero(t, g.TransitionCount())
	assert.Equal(t, 1, g.EntryCount())
}

func TestObserve_RecordsTraceOnInput(t *testing.T) {
	f, _ := newFeedback(t)
	in := input("A", "B")
	f.Observe(in, []stategraph.StateID{4, 5})

	assert.Equal(t, []stategraph.StateID{4, 5}, in.Trace())
	s, ok := in.StateBefore(1)
	assert.True(t, ok)
	assert.Equal(t, stategraph.StateID(4), s)
}

func TestObserve_NilInput(t *testing.T) {
	f, g := newFeedback(t)
	res := f.Observe(nil, []stategraph.StateID{1, 2})

	assert.True(t, res.Interesting)
	assert.Equal(t, []stategraph.Tag{stategraph.NoTag}, g.KnownTags())
}

func TestObserve_ReportsNovelty(t *testing.T) {
	g := stategraph.New()
	em := &captureEmitter{}
	rec := &countingRecorder{}
	f, err := New(Config{Graph: g, Events: em, Recorder: rec})
	require.NoError(t, err)

	in := input("A", "B")
	f.Observe(in, []stategraph.StateID{1, 2})
	f.Observe(in, []stategraph.StateID{1, 2})

	require.Len(t, em.events, 1)
	assert.Equal(t, events.EventNovelty, em.events[0])
	data, ok := em.data[0].(events.NoveltyData)
	require.True(t, ok)
	assert.Equal(t, 2, data.NewStates)
	assert.Equal(t, 2, data.Nodes)
	assert.Equal(t, 1, data.Edges)
	assert.Equal(t, in.Hash(), data.Input)

	assert.Equal(t, 2, rec.executions)
	assert.Equal(t, 1, rec.interesting)
	assert.Equal(t, 2, rec.states)
	assert.Equal(t, 1, rec.transitions)
}

func TestObserve_Concurrent(t *testing.T) {
	f, g := newFeedback(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				trace := []stategraph.StateID{0, stategraph.StateID(1 + i%5), stategraph.StateID(10 + w)}
				f.Observe(input("A", "B", "C"), trace)
			}
		}(w)
	}
	wg.Wait()

	// 0, 1..5, 10..17
	assert.Equal(t, 14, g.StateCount())
	assert.Equal(t, uint64(800), f.Executions())
}
