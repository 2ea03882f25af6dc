package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists sessions to an embedded on-disk key-value store,
// surviving broker restarts. Size-bounding and LRU eviction are meaningless
// for a durable store, so PebbleStore does not enforce --max-session; it is
// a durability tradeoff, not a replacement for the bounded default.
type PebbleStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("session: open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Get returns the session for clientID and whether one was found. Any I/O
// or decode error is treated as "not found": the caller degrades to a
// fresh session rather than failing the CONNECT.
func (p *PebbleStore) Get(clientID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, false
	}

	value, closer, err := p.db.Get([]byte(clientID))
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	var snap snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, false
	}
	return fromSnapshot(snap), true
}

// Put stores s under clientID. A write failure is swallowed and not
// reported to the caller; the in-memory Session the connection handler
// already holds is not lost.
func (p *PebbleStore) Put(clientID string, s *Session) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	data, err := json.Marshal(s.toSnapshot())
	if err != nil {
		return
	}
	_ = p.db.Set([]byte(clientID), data, pebble.Sync)
}

// Evict removes the session for clientID, if any.
func (p *PebbleStore) Evict(clientID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	_ = p.db.Delete([]byte(clientID), pebble.Sync)
}

// Close closes the underlying database.
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("session: pebble store already closed")
	}
	p.closed = true
	return p.db.Close()
}
