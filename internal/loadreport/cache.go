package loadreport

import (
	"maps"
	"sort"
	"sync"
)

// Cache holds the latest report of every live broker, keyed by broker ID.
// Reports are replaced whole; a stored report is never mutated.
type Cache struct {
	mu      sync.RWMutex
	reports map[string]*LoadReport
	changed chan struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		reports: make(map[string]*LoadReport),
		changed: make(chan struct{}, 1),
	}
}

// Put stores r as the latest report of brokerID.
func (c *Cache) Put(brokerID string, r *LoadReport) {
	c.mu.Lock()
	c.reports[brokerID] = r
	c.mu.Unlock()
	c.signal()
}

// Remove drops brokerID.
func (c *Cache) Remove(brokerID string) {
	c.mu.Lock()
	_, ok := c.reports[brokerID]
	delete(c.reports, brokerID)
	c.mu.Unlock()
	if ok {
		c.signal()
	}
}

// ReplaceAll swaps the whole content, as after a full re-list.
func (c *Cache) ReplaceAll(reports map[string]*LoadReport) {
	c.mu.Lock()
	c.reports = maps.Clone(reports)
	if c.reports == nil {
		c.reports = make(map[string]*LoadReport)
	}
	c.mu.Unlock()
	c.signal()
}

// Get returns the report of brokerID.
func (c *Cache) Get(brokerID string) (*LoadReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[brokerID]
	return r, ok
}

// Snapshot returns a copy of the broker → report map.
func (c *Cache) Snapshot() map[string]*LoadReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.reports)
}

// BrokerIDs returns the cached broker IDs in sorted order.
func (c *Cache) BrokerIDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.reports))
	for id := range c.reports {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.reports)
}

// Changed fires at least once after any modification. Bursts coalesce.
func (c *Cache) Changed() <-chan struct{} {
	return c.changed
}

func (c *Cache) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
