package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   PreviewKey
	value []byte
}

// MemoryCache keeps the most recently used previews in memory
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[PreviewKey]*list.Element
	lruList *list.List
}

// NewMemoryCache creates an LRU store holding at most maxSize previews
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[PreviewKey]*list.Element),
		lruList: list.New(),
	}
}

func (c *MemoryCache) Has(key PreviewKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) Get(key PreviewKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

func (c *MemoryCache) Set(key PreviewKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).value = value
		c.lruList.MoveToFront(elem)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		if oldest := c.lruList.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*entry).key)
			c.lruList.Remove(oldest)
		}
	}

	c.items[key] = c.lruList.PushFront(&entry{key: key, value: value})
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lruList.Len()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[PreviewKey]*list.Element)
	c.lruList = list.New()
}
