package ledger

import (
	"container/list"
	"fmt"
)

// entryCache is an LRU of recently posted journal entries keyed by
// (tenant, idempotency key). It sits in front of the store lookup so the
// hot retry path never touches persistence. Entries are immutable, so
// caching the pointer is safe.
//
// Not thread-safe on its own; the engine serializes access behind the
// account locks of the entry being posted plus its own cache mutex.
type entryCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type entryCacheItem struct {
	key   string
	entry *JournalEntry
}

func newEntryCache(capacity int) *entryCache {
	return &entryCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func idemCacheKey(tenantID, key string) string {
	return fmt.Sprintf("%s:%s", tenantID, key)
}

// Get returns the cached entry for the key (promotes to front).
func (c *entryCache) Get(tenantID, key string) (*JournalEntry, bool) {
	elem, exists := c.cache[idemCacheKey(tenantID, key)]
	if !exists {
		return nil, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*entryCacheItem).entry, true
}

// Add inserts an entry (or promotes if present).
func (c *entryCache) Add(tenantID, key string, entry *JournalEntry) {
	composite := idemCacheKey(tenantID, key)

	if elem, exists := c.cache[composite]; exists {
		c.lruList.MoveToFront(elem)
		return
	}

	item := &entryCacheItem{key: composite, entry: entry}
	elem := c.lruList.PushFront(item)
	c.cache[composite] = elem

	if c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *entryCache) evictOldest() {
	elem := c.lruList.Back()
	if elem != nil {
		c.lruList.Remove(elem)
		item := elem.Value.(*entryCacheItem)
		delete(c.cache, item.key)
		c.evictions++
	}
}

// Size returns current number of entries.
func (c *entryCache) Size() int {
	return c.lruList.Len()
}
