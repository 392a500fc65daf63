package icon_loader

import (
	"path/filepath"
	"sync"

	"thumbview/internal/category"
)

// NormalizeKey turns a path into the cache key used for it.
func NormalizeKey(path string) string {
	return filepath.Clean(path)
}

// IconCache maps normalized paths to holders. It is shared by the owning
// loop and the worker.
type IconCache struct {
	mu      sync.RWMutex
	holders map[string]ImageHolder
}

func NewIconCache() *IconCache {
	return &IconCache{
		holders: make(map[string]ImageHolder),
	}
}

func (c *IconCache) Lookup(key string) (ImageHolder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.holders[key]
	return h, ok
}

// Ensure returns the holder for key, creating a Needed one on first use.
// Categories that are not cacheable report false and leave the cache as is.
func (c *IconCache) Ensure(key string, cat category.Category) (ImageHolder, bool) {
	if !cat.Cacheable() {
		return nil, false
	}

	if h, ok := c.Lookup(key); ok {
		return h, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.holders[key]; ok {
		return h, true
	}
	h := newHolder(cat)
	c.holders[key] = h
	return h, true
}

// storeIf records the loaded holder h for key, but only while h is still
// the entry for it. It reports false once key was cleared or handed to a
// newer holder; the load result is then stale.
func (c *IconCache) storeIf(key string, h ImageHolder) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.holders[key]; !ok || cur != h {
		return false
	}
	c.holders[key] = h
	return true
}

func (c *IconCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.holders = make(map[string]ImageHolder)
}

func (c *IconCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.holders)
}

// Reclaim drops every live image, as a memory manager would under pressure,
// and returns how many were dropped. Statuses stay Loaded.
func (c *IconCache) Reclaim() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, h := range c.holders {
		if h.Reclaim() {
			n++
		}
	}
	return n
}
