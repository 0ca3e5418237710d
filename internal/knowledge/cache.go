package knowledge

import (
	"container/list"
	"strings"
	"sync"
)

const DefaultCacheSize = 1024

type cacheItem struct {
	key     string
	context *Context
}

// Cache memoizes retrieval results per (agent, normalized query). LRU-capped
// so a long-lived process cannot grow without bound; entries live for the
// process lifetime otherwise.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func cacheKey(agentID, query string) string {
	return agentID + "|" + strings.ToLower(strings.TrimSpace(query))
}

func (c *Cache) Get(agentID, query string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cacheKey(agentID, query)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).context, true
}

func (c *Cache) Put(agentID, query string, kc *Context) {
	key := cacheKey(agentID, query)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).context = kc
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&cacheItem{key: key, context: kc})

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheItem).key)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
