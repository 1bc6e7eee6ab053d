// Package keycache maps global sync ids to peer-local primary keys.
//
// A record created offline on one peer arrives at another with a foreign
// id space; the cache is how the engine resolves the (entity type, SyncID)
// pair to the local row without querying the repository on every reference.
// One cache belongs to exactly one repository — sharing a cache across
// databases would leak ids between id spaces.
package keycache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCorrupted reports one SyncID mapped to two different local ids within a
// single repository. That is a repository invariant violation, not a sync
// conflict: the session must fail without retry and the store needs manual
// inspection.
var ErrCorrupted = errors.New("key cache corrupted")

type cacheKey struct {
	entityType string
	syncID     uuid.UUID
}

// Cache is a thread-safe, per-repository SyncID → local id map. Entries are
// created lazily the first time a foreign record is resolved and live until
// Reset (e.g. a full re-sync).
type Cache struct {
	mu  sync.RWMutex
	ids map[cacheKey]int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{ids: make(map[cacheKey]int64)}
}

// Lookup returns the cached local id for the pair, if present.
func (c *Cache) Lookup(entityType string, syncID uuid.UUID) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.ids[cacheKey{entityType, syncID}]
	return id, ok
}

// Store inserts the mapping with compare-and-swap semantics: a concurrent
// identical insert is a no-op, while an insert that disagrees with the
// existing entry returns [ErrCorrupted]. The canonical id is returned either
// way so racing callers converge on one value.
func (c *Cache) Store(entityType string, syncID uuid.UUID, id int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{entityType, syncID}
	if existing, ok := c.ids[key]; ok {
		if existing != id {
			return existing, fmt.Errorf("%w: %s %s maps to both id %d and id %d",
				ErrCorrupted, entityType, syncID, existing, id)
		}
		return existing, nil
	}

	c.ids[key] = id
	return id, nil
}

// Reset drops every mapping. Used before a full re-sync.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ids = make(map[cacheKey]int64)
}

// Len returns the number of cached mappings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.ids)
}
