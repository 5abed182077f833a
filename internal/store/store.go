// Package store persists state graph snapshots in SQLite, one row per
// campaign, so a later run can resume from what an earlier one learned.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// ErrNotFound is returned when a campaign has no stored graph.
var ErrNotFound = errors.New("campaign not found")

// Schema for the graph table. Open applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS graphs (
	campaign_id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	states INTEGER NOT NULL,
	transitions INTEGER NOT NULL,
	snapshot TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_graphs_updated ON graphs(updated_at);
`

// Campaign describes a stored graph.
type Campaign struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	States      int
	Transitions int
}

// NewCampaignID returns a time-ordered campaign id.
func NewCampaignID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// SQLiteStore keeps graph snapshots in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, logger *logging.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// One connection: in-memory databases are per connection, and writers
	// serialize anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", path, err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logging.OrDiscard(logger).Named("store")}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveGraph stores snap for campaign, replacing any earlier snapshot.
func (s *SQLiteStore) SaveGraph(ctx context.Context, campaign uuid.UUID, snap stategraph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graphs (campaign_id, created_at, updated_at, states, transitions, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			states = excluded.states,
			transitions = excluded.transitions,
			snapshot = excluded.snapshot`,
		campaign.String(), now, now, len(snap.States), len(snap.Transitions), string(data))
	if err != nil {
		return fmt.Errorf("failed to save graph for %s: %w", campaign, err)
	}
	s.logger.Debug("Saved graph for %s (%d states, %d transitions)", campaign, len(snap.States), len(snap.Transitions))
	return nil
}

// LoadGraph returns the snapshot stored for campaign.
func (s *SQLiteStore) LoadGraph(ctx context.Context, campaign uuid.UUID) (stategraph.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM graphs WHERE campaign_id = ?`, campaign.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return stategraph.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, campaign)
	}
	if err != nil {
		return stategraph.Snapshot{}, fmt.Errorf("failed to load graph for %s: %w", campaign, err)
	}
	var snap stategraph.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return stategraph.Snapshot{}, fmt.Errorf("corrupt snapshot for %s: %w", campaign, err)
	}
	return snap, nil
}

// RestoreGraph loads campaign's snapshot into g.
func (s *SQLiteStore) RestoreGraph(ctx context.Context, campaign uuid.UUID, g *stategraph.Graph) error {
	snap, err := s.LoadGraph(ctx, campaign)
	if err != nil {
		return err
	}
	if err := g.Restore(snap); err != nil {
		return fmt.Errorf("failed to restore graph for %s: %w", campaign, err)
	}
	return nil
}

// Campaigns lists stored campaigns, most recently updated first.
func (s *SQLiteStore) Campaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, created_at, updated_at, states, transitions
		FROM graphs ORDER BY updated_at DESC, campaign_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var (
			id               string
			created, updated int64
			c                Campaign
		)
		if err := rows.Scan(&id, &created, &updated, &c.States, &c.Transitions); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad campaign id %q: %w", id, err)
		}
		c.CreatedAt = time.UnixMilli(created)
		c.UpdatedAt = time.UnixMilli(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Latest returns the most recently updated campaign.
func (s *SQLiteStore) Latest(ctx context.Context) (Campaign, error) {
	all, err := s.Campaigns(ctx)
	if err != nil {
		return Campaign{}, err
	}
	if len(all) == 0 {
		return Campaign{}, ErrNotFound
	}
	return all[0], nil
}
