package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
	"github.com/sessfuzz/sessfuzz/internal/target/ftpsim"
	"github.com/sessfuzz/sessfuzz/test/testutil"
)

func settings(workers int, budget uint64) *config.Config {
	cfg := config.Default()
	cfg.Engine.Workers = workers
	cfg.Engine.MaxExecutions = budget
	cfg.Scheduler.Seed = 7
	return cfg
}

func ftpEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	target, err := ftpsim.New(ftpsim.Options{})
	require.NoError(t, err)
	e, err := New(Config{Settings: cfg, Executor: target, Seeds: ftpsim.Seeds()})
	require.NoError(t, err)
	return e
}

func TestRun_ExploresFTP(t *testing.T) {
	emitter := testutil.NewMockEmitter()
	recorder := testutil.NewMockRecorder()
	target, err := ftpsim.New(ftpsim.Options{})
	require.NoError(t, err)
	seeds := ftpsim.Seeds()

	e, err := New(Config{
		Settings: settings(4, 2000),
		Executor: target,
		Seeds:    seeds,
		Recorder: recorder,
		Events:   emitter,
	})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	st := e.Stats()
	assert.Equal(t, uint64(2000), st.Executions)
	assert.Equal(t, 2000, recorder.ExecutionCount())
	assert.Zero(t, st.Failures)
	assert.GreaterOrEqual(t, st.Corpus, len(seeds))
	assert.Greater(t, st.States, 0)
	assert.Greater(t, st.Transitions, 0)
	assert.Positive(t, st.Elapsed)

	var mutated uint64
	for _, n := range st.Mutations {
		mutated += n
	}
	assert.Equal(t, uint64(2000-len(seeds)), mutated)

	for _, s := range seeds {
		assert.True(t, e.Corpus().Contains(s), "seed %s kept", s)
	}

	campaign := emitter.OfType(events.EventCampaign)
	require.Len(t, campaign, 2)
	assert.Equal(t, "started", campaign[0].Data.(events.CampaignData).State)
	assert.Equal(t, "stopped", campaign[1].Data.(events.CampaignData).State)
	assert.Empty(t, emitter.OfType(events.EventError))
}

func TestRun_Deterministic(t *testing.T) {
	a := ftpEngine(t, settings(1, 500))
	b := ftpEngine(t, settings(1, 500))
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, b.Run(context.Background()))

	sa, sb := a.Stats(), b.Stats()
	assert.Equal(t, sa.Corpus, sb.Corpus)
	assert.Equal(t, sa.States, sb.States)
	assert.Equal(t, sa.Transitions, sb.Transitions)
	assert.Equal(t, sa.Mutations, sb.Mutations)
	assert.Equal(t, a.Graph().Snapshot().States, b.Graph().Snapshot().States)
}

func TestRun_UntilCancelled(t *testing.T) {
	e := ftpEngine(t, settings(2, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Run(ctx))
	assert.Greater(t, e.Executions(), uint64(len(ftpsim.Seeds())))
	assert.Equal(t, e.Corpus().Len(), e.CorpusSize())
}

func TestRun_NoSeeds(t *testing.T) {
	target, err := ftpsim.New(ftpsim.Options{})
	require.NoError(t, err)
	e, err := New(Config{Settings: settings(1, 10), Executor: target})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Run(context.Background()), ErrNoSeeds)
}

func TestRun_Abort(t *testing.T) {
	emitter := testutil.NewMockEmitter()
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, in *session.Input) ([]stategraph.StateID, error) {
		if calls.Add(1) > 20 {
			return nil, ErrAbort
		}
		return []stategraph.StateID{1, stategraph.StateID(in.Len())}, nil
	})
	e, err := New(Config{Settings: settings(2, 0), Executor: exec, Seeds: ftpsim.Seeds(), Events: emitter})
	require.NoError(t, err)

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAbort)
	assert.LessOrEqual(t, e.Executions(), uint64(20))

	campaign := emitter.OfType(events.EventCampaign)
	require.Len(t, campaign, 2)
	assert.Equal(t, "failed", campaign[1].Data.(events.CampaignData).State)
	assert.Len(t, emitter.OfType(events.EventError), 1)
}

func TestRun_FailuresAreCounted(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, in *session.Input) ([]stategraph.StateID, error) {
		if calls.Add(1)%2 == 0 {
			return nil, errors.New("target crashed")
		}
		return []stategraph.StateID{1}, nil
	})
	e, err := New(Config{Settings: settings(1, 100), Executor: exec, Seeds: ftpsim.Seeds()})
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background()))
	st := e.Stats()
	assert.Equal(t, uint64(50), st.Failures)
	assert.Equal(t, uint64(50), st.Executions)
}

type rawFunc func(ctx context.Context, in *session.Input) ([]byte, error)

func (f rawFunc) ExecuteRaw(ctx context.Context, in *session.Input) ([]byte, error) {
	return f(ctx, in)
}

func TestRun_MalformedTraceAborts(t *testing.T) {
	exec, err := NewDecodingExecutor(rawFunc(func(context.Context, *session.Input) ([]byte, error) {
		return []byte{0, 1, 2}, nil
	}), 2)
	require.NoError(t, err)
	e, err := New(Config{Settings: settings(1, 0), Executor: exec, Seeds: ftpsim.Seeds()})
	require.NoError(t, err)

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAbort)
	assert.Zero(t, e.Executions())
}

func TestNewDecodingExecutor(t *testing.T) {
	target, err := ftpsim.New(ftpsim.Options{Width: 4})
	require.NoError(t, err)

	_, err = NewDecodingExecutor(target, 3)
	assert.True(t, config.IsIntegration(err))

	exec, err := NewDecodingExecutor(target, 4)
	require.NoError(t, err)
	seed := ftpsim.Seeds()[0]
	got, err := exec.Execute(context.Background(), seed)
	require.NoError(t, err)
	want, err := target.Execute(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNew_Validation(t *testing.T) {
	target, err := ftpsim.New(ftpsim.Options{})
	require.NoError(t, err)

	cfg := settings(0, 0)
	_, err = New(Config{Settings: cfg, Executor: target})
	var fault *config.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, config.FaultConfiguration, fault.Kind)
	assert.Equal(t, "engine.workers", fault.Field)

	_, err = New(Config{Executor: target})
	assert.Error(t, err)
	_, err = New(Config{Settings: settings(1, 0)})
	assert.Error(t, err)

	id := uuid.Must(uuid.NewV7())
	e, err := New(Config{Settings: settings(1, 0), Executor: target, Campaign: id})
	require.NoError(t, err)
	assert.Equal(t, id, e.Campaign())
	assert.NotNil(t, e.Graph())
}

func BenchmarkRun(b *testing.B) {
	target, err := ftpsim.New(ftpsim.Options{})
	require.NoError(b, err)
	for b.Loop() {
		e, err := New(Config{Settings: settings(1, 1000), Executor: target, Seeds: ftpsim.Seeds()})
		require.NoError(b, err)
		require.NoError(b, e.Run(context.Background()))
	}
}
