package scheduler

import (
	"sync"
	"time"

	"github.com/sessfuzz/sessfuzz/internal/session"
)

// EntryID identifies a corpus entry. IDs are assigned in insertion order,
// starting at 0.
type EntryID int

// Entry is an input kept in the corpus.
type Entry struct {
	ID    EntryID
	Input *session.Input
	Added time.Time
}

// Corpus is the append-only set of inputs the scheduler picks from.
// Identical inputs are stored once.
type Corpus struct {
	mu      sync.RWMutex
	entries []*Entry
	byHash  map[string]EntryID
}

// NewCorpus creates an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{byHash: make(map[string]EntryID)}
}

// Add stores in and returns its id. Adding an input equal to one already
// stored returns the existing id.
func (c *Corpus) Add(in *session.Input) EntryID {
	h := in.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byHash[h]; ok && c.entries[id].Input.Equal(in) {
		return id
	}
	id := EntryID(len(c.entries))
	c.entries = append(c.entries, &Entry{ID: id, Input: in, Added: time.Now()})
	c.byHash[h] = id
	return id
}

// Contains reports whether an input equal to in is stored.
func (c *Corpus) Contains(in *session.Input) bool {
	h := in.Hash()
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byHash[h]
	return ok && c.entries[id].Input.Equal(in)
}

// Get returns the entry with the given id.
func (c *Corpus) Get(id EntryID) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || int(id) >= len(c.entries) {
		return nil, false
	}
	return c.entries[id], true
}

// Len returns the number of entries.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns the entries in insertion order. The slice is a copy; the
// entries are shared.
func (c *Corpus) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
