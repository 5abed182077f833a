package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

func input(payloads ...string) *session.Input {
	msgs := make([]session.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = session.NewMessage(stategraph.NoTag, []byte(p))
	}
	return session.New(msgs...)
}

func traced(trace []stategraph.StateID, payloads ...string) *session.Input {
	in := input(payloads...)
	in.RecordTrace(trace)
	return in
}

func record(g *stategraph.Graph, trace ...stategraph.StateID) {
	for i, s := range trace {
		if i == 0 {
			g.RecordTransition(nil, s, stategraph.NoTag)
			continue
		}
		prev := trace[i-1]
		g.RecordTransition(&prev, s, stategraph.NoTag)
	}
}

func flat() config.SchedulerConfig {
	return config.SchedulerConfig{
		Mode:           config.ModeGreedy,
		RarityExponent: 1,
		FreshnessDecay: 0.5,
		UntracedWeight: 1,
	}
}

func newScheduler(t *testing.T, settings config.SchedulerConfig, g *stategraph.Graph) *Scheduler {
	t.Helper()
	s, err := New(Config{Settings: settings, Corpus: NewCorpus(), Graph: g})
	require.NoError(t, err)
	return s
}

func TestNext_EmptyCorpus(t *testing.T) {
	s := newScheduler(t, flat(), stategraph.New())
	_, err := s.Next()
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}

func TestWeight_Novelty(t *testing.T) {
	g := stategraph.New()
	record(g, 1, 2)
	record(g, 1, 2)
	record(g, 1, 3)

	s := newScheduler(t, flat(), g)
	id := s.Corpus().Add(traced([]stategraph.StateID{1, 2, 2}, "a", "b", "c"))
	e, _ := s.Corpus().Get(id)

	// visits: 1 -> 3, 2 -> 2; repeated states count once.
	assert.InDelta(t, 1.0/4+1.0/3, s.Weight(e), 1e-9)
}

func TestWeight_CostAndExponent(t *testing.T) {
	g := stategraph.New()
	record(g, 1)

	settings := flat()
	settings.CostPenalty = 0.5
	settings.RarityExponent = 2
	s := newScheduler(t, settings, g)
	id := s.Corpus().Add(traced([]stategraph.StateID{1}, "a", "b"))
	e, _ := s.Corpus().Get(id)

	// novelty 1/2, squared, times 1/(1+0.5*2).
	assert.InDelta(t, 0.25*0.5, s.Weight(e), 1e-9)
}

func TestWeight_Untraced(t *testing.T) {
	settings := flat()
	settings.UntracedWeight = 3
	settings.CostPenalty = 1
	s := newScheduler(t, settings, stategraph.New())
	id := s.Corpus().Add(input("a", "b"))
	e, _ := s.Corpus().Get(id)

	assert.InDelta(t, 1.0, s.Weight(e), 1e-9)
}

func TestWeight_FreshnessDecays(t *testing.T) {
	g := stategraph.New()
	record(g, 1)

	settings := flat()
	settings.FreshnessBoost = 2
	settings.FreshnessDecay = 0.5
	s := newScheduler(t, settings, g)
	oldID := s.Corpus().Add(traced([]stategraph.StateID{1}, "old"))

	_, err := s.Next()
	require.NoError(t, err)
	old, _ := s.Corpus().Get(oldID)
	assert.InDelta(t, 0.5, s.Weight(old), 1e-9, "states present at the first call are not fresh")

	record(g, 1, 7)
	newID := s.Corpus().Add(traced([]stategraph.StateID{1, 7}, "x", "y"))
	fresh, _ := s.Corpus().Get(newID)

	_, err = s.Next() // round 2 stamps state 7
	require.NoError(t, err)
	// novelty 1/3 + 1/2, fresh 1 + 2*0.5^0
	assert.InDelta(t, (1.0/3+0.5)*3, s.Weight(fresh), 1e-9)

	_, err = s.Next()
	require.NoError(t, err)
	assert.InDelta(t, (1.0/3+0.5)*2, s.Weight(fresh), 1e-9)
	assert.Equal(t, uint64(3), s.Round())
}

func TestNext_GreedyPrefersRareStates(t *testing.T) {
	g := stategraph.New()
	for i := 0; i < 10; i++ {
		record(g, 1, 2)
	}
	record(g, 1, 3)

	s := newScheduler(t, flat(), g)
	s.Corpus().Add(traced([]stategraph.StateID{1, 2}, "a", "b"))
	rare := s.Corpus().Add(traced([]stategraph.StateID{1, 3}, "a", "c"))

	for i := 0; i < 5; i++ {
		e, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, rare, e.ID)
	}
}

func TestNext_GreedyTieBreak(t *testing.T) {
	s := newScheduler(t, flat(), stategraph.New())
	s.Corpus().Add(input("a", "b", "c"))
	short := s.Corpus().Add(input("z"))
	s.Corpus().Add(input("y"))

	e, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, short, e.ID, "shorter wins, then lower id")
}

func TestNext_WeightedSkipsZeroWeight(t *testing.T) {
	g := stategraph.New()
	record(g, 1)

	settings := flat()
	settings.Mode = config.ModeWeighted
	settings.UntracedWeight = 0
	settings.Seed = 7
	s := newScheduler(t, settings, g)
	s.Corpus().Add(input("never"))
	want := s.Corpus().Add(traced([]stategraph.StateID{1}, "always"))

	for i := 0; i < 200; i++ {
		e, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, want, e.ID)
	}
}

func TestNext_WeightedVisitsEveryEntry(t *testing.T) {
	settings := flat()
	settings.Mode = config.ModeWeighted
	s := newScheduler(t, settings, stategraph.New())
	for _, p := range []string{"a", "b", "c", "d"} {
		s.Corpus().Add(input(p))
	}

	picked := make(map[EntryID]int)
	for i := 0; i < 400; i++ {
		e, err := s.Next()
		require.NoError(t, err)
		picked[e.ID]++
	}
	assert.Len(t, picked, 4)
}

func TestNext_Deterministic(t *testing.T) {
	run := func() []EntryID {
		g := stategraph.New()
		record(g, 1, 2, 3)
		settings := config.Default().Scheduler
		settings.Seed = 42
		s := newScheduler(t, settings, g)
		s.Corpus().Add(traced([]stategraph.StateID{1}, "a"))
		s.Corpus().Add(traced([]stategraph.StateID{1, 2}, "a", "b"))
		s.Corpus().Add(traced([]stategraph.StateID{1, 2, 3}, "a", "b", "c"))
		s.Corpus().Add(input("untraced"))

		var ids []EntryID
		for i := 0; i < 100; i++ {
			e, err := s.Next()
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		return ids
	}
	assert.Equal(t, run(), run())
}

func TestNew_Validation(t *testing.T) {
	g := stategraph.New()
	c := NewCorpus()

	_, err := New(Config{Settings: flat(), Graph: g})
	assert.Error(t, err)
	_, err = New(Config{Settings: flat(), Corpus: c})
	assert.Error(t, err)

	bad := flat()
	bad.Mode = "random"
	_, err = New(Config{Settings: bad, Corpus: c, Graph: g})
	assert.Error(t, err)

	bad = flat()
	bad.FreshnessDecay = 1.5
	_, err = New(Config{Settings: bad, Corpus: c, Graph: g})
	assert.Error(t, err)

	bad = flat()
	bad.CostPenalty = -1
	_, err = New(Config{Settings: bad, Corpus: c, Graph: g})
	assert.Error(t, err)

	empty := flat()
	empty.Mode = ""
	_, err = New(Config{Settings: empty, Corpus: c, Graph: g})
	assert.NoError(t, err)
}

func TestCorpus_AddDeduplicates(t *testing.T) {
	c := NewCorpus()
	a := c.Add(input("x", "y"))
	b := c.Add(input("x", "y"))
	d := c.Add(input("x"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, d)
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains(input("x")))
	assert.False(t, c.Contains(input("q")))

	_, ok := c.Get(5)
	assert.False(t, ok)
	_, ok = c.Get(-1)
	assert.False(t, ok)

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EntryID(0), entries[0].ID)
	assert.Equal(t, EntryID(1), entries[1].ID)
}

func TestScheduler_ConcurrentAddAndNext(t *testing.T) {
	g := stategraph.New()
	s := newScheduler(t, config.Default().Scheduler, g)
	s.Corpus().Add(input("seed"))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Corpus().Add(input(string(rune('a'+w)), string(rune('a'+i%26))))
				record(g, stategraph.StateID(w), stategraph.StateID(i))
				_, err := s.Next()
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, uint64(200), s.Round())
}

func BenchmarkNext(b *testing.B) {
	g := stategraph.New()
	c := NewCorpus()
	for i := 0; i < 256; i++ {
		trace := []stategraph.StateID{0, stategraph.StateID(i % 32), stategraph.StateID(i)}
		record(g, trace...)
		in := input(string(rune(i)), "x")
		in.RecordTrace(trace)
		c.Add(in)
	}
	s, err := New(Config{Settings: config.Default().Scheduler, Corpus: c, Graph: g})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Next(); err != nil {
			b.Fatal(err)
		}
	}
}
