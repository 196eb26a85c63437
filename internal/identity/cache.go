package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

type cacheEntry struct {
	roles     []model.Role
	unknown   bool
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// minSweep is the entry count below which set never sweeps.
const minSweep = 1024

// CachedRegistry fronts a slower Registry with a TTL cache.
// Role assignments are read-mostly, so short staleness is acceptable.
// Unknown-actor answers are cached too, for a tenth of the TTL.
// Expired entries are evicted whenever the cache doubles past its last sweep.
type CachedRegistry struct {
	inner Registry
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	nextSweep int
}

// NewCachedRegistry wraps inner with a cache of the given TTL.
func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedRegistry{
		inner:   inner,
		ttl:     ttl,
		now:       time.Now,
		entries:   make(map[string]*cacheEntry),
		nextSweep: minSweep,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *CachedRegistry) SetClock(now func() time.Time) { c.now = now }

// Roles implements Registry.
func (c *CachedRegistry) Roles(ctx context.Context, actorID string) ([]model.Role, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[actorID]
	c.mu.RUnlock()
	if ok && !e.expired(now) {
		if e.unknown {
			return nil, ErrUnknownActor
		}
		return e.roles, nil
	}

	roles, err := c.inner.Roles(ctx, actorID)
	switch {
	case errors.Is(err, ErrUnknownActor):
		c.set(actorID, &cacheEntry{unknown: true, expiresAt: now.Add(c.ttl / 10)})
		return nil, err
	case err != nil:
		return nil, err
	}
	c.set(actorID, &cacheEntry{roles: roles, expiresAt: now.Add(c.ttl)})
	return roles, nil
}

// Invalidate drops a cached actor so the next lookup hits the backing registry.
func (c *CachedRegistry) Invalidate(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, actorID)
}

// Evict removes all expired entries and returns how many it dropped.
func (c *CachedRegistry) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(c.now())
}

// Len returns the number of cached entries, expired ones included.
func (c *CachedRegistry) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *CachedRegistry) set(actorID string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[actorID] = e
	if len(c.entries) >= c.nextSweep {
		c.evictLocked(c.now())
		c.nextSweep = max(2*len(c.entries), minSweep)
	}
}

func (c *CachedRegistry) evictLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
