package capability

import (
	"container/list"
	"sync"
)

// parseCacheSize bounds the memoized parse results; routing stays
// allocation-free on the hot path once warm.
const parseCacheSize = 1000

// parsed is one memoized public-name split.
type parsed struct {
	upstreamID string
	original   string
}

// parseCache is a bounded LRU memoizing the public-name parse step.
type parseCache struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	evictList *list.List
	max       int
}

type parseEntry struct {
	key string
	val parsed
}

func newParseCache(max int) *parseCache {
	if max <= 0 {
		max = parseCacheSize
	}
	return &parseCache{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		max:       max,
	}
}

// get returns the memoized split for a public name.
func (c *parseCache) get(key string) (parsed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return parsed{}, false
	}
	c.evictList.MoveToFront(el)
	return el.Value.(*parseEntry).val, true
}

// put stores a split, evicting the least recently used entry on overflow.
func (c *parseCache) put(key string, val parsed) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		el.Value.(*parseEntry).val = val
		return
	}

	el := c.evictList.PushFront(&parseEntry{key: key, val: val})
	c.items[key] = el

	if c.evictList.Len() > c.max {
		oldest := c.evictList.Back()
		if oldest != nil {
			c.evictList.Remove(oldest)
			delete(c.items, oldest.Value.(*parseEntry).key)
		}
	}
}

// purge drops all memoized entries. Called on every registry mutation:
// a stale split must never outlive the entries it was verified against.
func (c *parseCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}
