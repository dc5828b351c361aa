// Package marketdata sources spot prices and implied volatility and keeps
// the latest snapshot per asset in a bounded-staleness cache.
package marketdata

import (
	"sync"
	"time"

	"yieldflow/internal/model"
)

// Cache holds the most recent market snapshot per asset. Reads within the
// TTL are fresh; reads between the TTL and the max stale window succeed
// but are flagged stale; older snapshots are not served at all.
type Cache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	maxStale time.Duration
	entries  map[string]model.MarketSnapshot
	now      func() time.Time
}

// NewCache creates a cache with the given freshness and staleness windows.
func NewCache(ttl, maxStale time.Duration) *Cache {
	if maxStale < ttl {
		maxStale = ttl
	}
	return &Cache{
		ttl:      ttl,
		maxStale: maxStale,
		entries:  make(map[string]model.MarketSnapshot),
		now:      time.Now,
	}
}

// Set stores the snapshot for its asset, replacing any previous one.
func (c *Cache) Set(snapshot model.MarketSnapshot) {
	if snapshot.Asset == "" {
		return
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = c.now()
	}

	c.mu.Lock()
	c.entries[snapshot.Asset] = snapshot
	c.mu.Unlock()
}

// Get returns the snapshot for the asset along with whether it is still
// within the TTL. Snapshots older than the max stale window are treated
// as missing.
func (c *Cache) Get(asset string) (model.MarketSnapshot, bool, bool) {
	c.mu.RLock()
	snapshot, ok := c.entries[asset]
	c.mu.RUnlock()

	if !ok {
		return model.MarketSnapshot{}, false, false
	}

	age := c.now().Sub(snapshot.FetchedAt)
	if age > c.maxStale {
		return model.MarketSnapshot{}, false, false
	}
	return snapshot, true, age <= c.ttl
}

// Age reports how old the stored snapshot for the asset is. The second
// return is false when no snapshot exists.
func (c *Cache) Age(asset string) (time.Duration, bool) {
	c.mu.RLock()
	snapshot, ok := c.entries[asset]
	c.mu.RUnlock()

	if !ok {
		return 0, false
	}
	return c.now().Sub(snapshot.FetchedAt), true
}

// UpdateVolatility replaces only the volatility of an existing snapshot,
// used by the streaming volatility feed. Creating entries is left to the
// refresher so a stream tick never fabricates a spot price.
func (c *Cache) UpdateVolatility(asset string, volatility float64, source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, ok := c.entries[asset]
	if !ok {
		return false
	}
	snapshot.Volatility = volatility
	snapshot.Source = source
	snapshot.FetchedAt = c.now()
	c.entries[asset] = snapshot
	return true
}
