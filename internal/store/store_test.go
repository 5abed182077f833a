package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

func openMemory(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleGraph() *stategraph.Graph {
	g := stategraph.New()
	one, two := stategraph.StateID(1), stategraph.StateID(2)
	g.RecordTransition(nil, 1, "USER")
	g.RecordTransition(&one, 2, "PASS")
	g.RecordTransition(&two, 3, "LIST")
	return g
}

func TestSaveLoadGraph(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	g := sampleGraph()
	id := NewCampaignID()

	require.NoError(t, s.SaveGraph(ctx, id, g.Snapshot()))
	snap, err := s.LoadGraph(ctx, id)
	require.NoError(t, err)

	restored := stategraph.New()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, g.StateCount(), restored.StateCount())
	assert.Equal(t, g.TransitionCount(), restored.TransitionCount())
	assert.Equal(t, g.Neighbors(1), restored.Neighbors(1))
	assert.Equal(t, g.KnownTags(), restored.KnownTags())
}

func TestSaveGraph_Replaces(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	g := sampleGraph()
	id := NewCampaignID()

	require.NoError(t, s.SaveGraph(ctx, id, g.Snapshot()))
	three := stategraph.StateID(3)
	g.RecordTransition(&three, 4, "QUIT")
	require.NoError(t, s.SaveGraph(ctx, id, g.Snapshot()))

	campaigns, err := s.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, id, campaigns[0].ID)
	assert.Equal(t, 4, campaigns[0].States)
	assert.Equal(t, 3, campaigns[0].Transitions)
	assert.False(t, campaigns[0].UpdatedAt.Before(campaigns[0].CreatedAt))
}

func TestLoadGraph_NotFound(t *testing.T) {
	s := openMemory(t)
	_, err := s.LoadGraph(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreGraph(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	id := NewCampaignID()
	require.NoError(t, s.SaveGraph(ctx, id, sampleGraph().Snapshot()))

	g := stategraph.New()
	require.NoError(t, s.RestoreGraph(ctx, id, g))
	assert.Equal(t, 3, g.StateCount())

	assert.ErrorIs(t, s.RestoreGraph(ctx, uuid.New(), g), ErrNotFound)
}

func TestCampaigns_Order(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	first, second := NewCampaignID(), NewCampaignID()

	require.NoError(t, s.SaveGraph(ctx, first, sampleGraph().Snapshot()))
	require.NoError(t, s.SaveGraph(ctx, second, stategraph.New().Snapshot()))
	// Touch first again so it becomes the latest.
	_, err := s.db.ExecContext(ctx, `UPDATE graphs SET updated_at = updated_at + 1000 WHERE campaign_id = ?`, first.String())
	require.NoError(t, err)

	campaigns, err := s.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, campaigns, 2)
	assert.Equal(t, first, campaigns[0].ID)
	assert.Equal(t, second, campaigns[1].ID)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, latest.ID)
}

func TestOpen_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graphs.db")
	id := NewCampaignID()

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveGraph(ctx, id, sampleGraph().Snapshot()))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	snap, err := reopened.LoadGraph(ctx, id)
	require.NoError(t, err)
	assert.Len(t, snap.States, 3)
}

func TestNewCampaignID_Version7(t *testing.T) {
	id := NewCampaignID()
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.NotEqual(t, id, NewCampaignID())
}
