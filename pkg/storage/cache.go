package storage

import (
	"container/list"
	"sync"

	"github.com/nqdb/nqdb/pkg/metrics"
	"github.com/nqdb/nqdb/pkg/types"
)

// rowCache is an LRU cache of decoded rows, distinct from the page-level
// buffer pool: it saves repeated decode/decompress work on hot rows without
// coupling row-level locality to page eviction policy (spec.md §4.5, Open
// Question: row cache vs. buffer pool — see DESIGN.md).
type rowCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key string
	row *types.Row
}

func newRowCache(capacity int) *rowCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &rowCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func rowCacheKey(table string, id types.RowID) string {
	return table + ":" + itoa(uint64(id))
}

func (c *rowCache) get(key string) (*types.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		metrics.RowCacheMisses.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	metrics.RowCacheHits.Inc()
	return el.Value.(*cacheEntry).row, true
}

func (c *rowCache) put(key string, row *types.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).row = row
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, row: row})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *rowCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
