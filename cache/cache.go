// Package cache keeps the last advertisement seen per device address for one scanner.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eddielth/ble-trans/advertisement"
	"github.com/eddielth/ble-trans/logger"
)

// Entry is the last observation of one device.
type Entry struct {
	Identity advertisement.DeviceIdentity
	Payload  advertisement.Payload
	LastSeen time.Time
}

// Cache maps device address to its last observation. Writes are last-write-wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	lru     *lru.Cache[string, Entry]
}

// New creates a cache. size <= 0 means unbounded; otherwise the least
// recently updated devices are evicted beyond size entries.
func New(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{entries: make(map[string]Entry)}, nil
	}

	l, err := lru.NewWithEvict[string, Entry](size, func(address string, e Entry) {
		logger.Debug("evicted %s from device cache, last seen %s", address, e.LastSeen.Format(time.RFC3339))
	})
	if err != nil {
		return nil, fmt.Errorf("create device cache: %w", err)
	}
	return &Cache{lru: l}, nil
}

// Upsert records the latest observation for address.
func (c *Cache) Upsert(address string, identity advertisement.DeviceIdentity, payload advertisement.Payload, ts time.Time) {
	e := Entry{Identity: identity, Payload: payload, LastSeen: ts}
	if c.lru != nil {
		c.lru.Add(address, e)
		return
	}

	c.mu.Lock()
	c.entries[address] = e
	c.mu.Unlock()
}

// Lookup returns the entry for address without touching its recency.
func (c *Cache) Lookup(address string) (Entry, bool) {
	if c.lru != nil {
		return c.lru.Peek(address)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[address]
	return e, ok
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	if c.lru != nil {
		return c.lru.Len()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Addresses returns the cached addresses in sorted order.
func (c *Cache) Addresses() []string {
	var out []string
	if c.lru != nil {
		out = c.lru.Keys()
	} else {
		c.mu.RLock()
		out = make([]string, 0, len(c.entries))
		for addr := range c.entries {
			out = append(out, addr)
		}
		c.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c.lru != nil {
		c.lru.Purge()
		return
	}

	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}
