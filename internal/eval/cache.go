package eval

import (
	"sync"
	"time"
)

// Cache stores decisions keyed by evaluation fingerprint. It is read
// concurrently by query goroutines and invalidated synchronously by the
// command worker between commands. Entries carry an optional hard expiry at
// the nearest temporal boundary among the permissions that contributed, so a
// permission becoming valid (or lapsing) is honoured without a stale hit.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*cacheEntry
	byPrincipal map[int64]map[string]struct{}
	byResource  map[int64]map[string]struct{}
	// gen counts invalidations. A decision computed against one generation
	// must not be stored once the generation has moved: the graph it was read
	// from no longer exists, and an unbounded entry would serve it forever.
	gen    uint64
	hits   uint64
	misses uint64
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time // zero = no temporal boundary
	principal int64
	resources []int64
}

// NewCache creates an empty decision cache.
func NewCache() *Cache {
	return &Cache{
		entries:     make(map[string]*cacheEntry),
		byPrincipal: make(map[int64]map[string]struct{}),
		byResource:  make(map[int64]map[string]struct{}),
	}
}

// Get returns the cached decision for key unless it has crossed its temporal
// boundary.
func (c *Cache) Get(key string, now time.Time) (Decision, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.decision, true
	}
	c.mu.Lock()
	c.misses++
	if ok {
		c.removeLocked(key)
	}
	c.mu.Unlock()
	return Decision{}, false
}

// Generation returns the current invalidation generation. Callers snapshot it
// before reading the graph and hand it back to Put.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Put stores a decision with its invalidation handles. gen is the generation
// observed before the decision was computed; if any invalidation ran since,
// the write is discarded so a stale decision can never outlive the command
// that obsoleted it.
func (c *Cache) Put(key string, d Decision, principal int64, resources []int64, expiresAt time.Time, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	c.entries[key] = &cacheEntry{decision: d, expiresAt: expiresAt, principal: principal, resources: resources}
	set := c.byPrincipal[principal]
	if set == nil {
		set = make(map[string]struct{})
		c.byPrincipal[principal] = set
	}
	set[key] = struct{}{}
	for _, rid := range resources {
		rs := c.byResource[rid]
		if rs == nil {
			rs = make(map[string]struct{})
			c.byResource[rid] = rs
		}
		rs[key] = struct{}{}
	}
}

// InvalidatePrincipal drops every decision computed for the principal.
func (c *Cache) InvalidatePrincipal(principalID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key := range c.byPrincipal[principalID] {
		c.removeLocked(key)
	}
}

// InvalidateResource drops every decision a resource's permissions fed into.
func (c *Cache) InvalidateResource(resourceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key := range c.byResource[resourceID] {
		c.removeLocked(key)
	}
}

// InvalidateAll empties the cache; used after commands that reshape role or
// permission structure shared by many principals.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[string]*cacheEntry)
	c.byPrincipal = make(map[int64]map[string]struct{})
	c.byResource = make(map[int64]map[string]struct{})
}

// Stats reports cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if set := c.byPrincipal[e.principal]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byPrincipal, e.principal)
		}
	}
	for _, rid := range e.resources {
		if set := c.byResource[rid]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byResource, rid)
			}
		}
	}
}
