package surface

import (
	"container/list"
	"sync"

	"github.com/exposurenet/etp/internal/chunkcodec"
)

// parityCache is a bounded LRU of computed parity chunks, keyed by chunk id.
// Parity is computed lazily per block on first miss and all R chunks of that
// block are inserted together (spec §4.3: "parity chunks MUST be computed
// lazily on first request and cached... evicted parity is recomputed on
// demand"). Grounded on container/list, the same idiom the pack's FEC
// examples (safe-udp, kcptun) use for their shard/cache bookkeeping, since
// none of the teacher's own files implement an LRU.
type parityCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[uint32]*list.Element
}

type parityCacheEntry struct {
	id   uint32
	data []byte
}

func newParityCache(capacity int) *parityCache {
	return &parityCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint32]*list.Element),
	}
}

// Get returns the cached bytes for chunk id, if present, marking it
// most-recently-used.
func (c *parityCache) Get(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*parityCacheEntry).data, true
}

// PutBlock inserts every chunk of a freshly computed parity block, evicting
// least-recently-used entries as needed to stay within capacity.
func (c *parityCache) PutBlock(chunks []chunkcodec.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chunks {
		if el, ok := c.items[ch.ID]; ok {
			c.ll.MoveToFront(el)
			el.Value.(*parityCacheEntry).data = ch.Data
			continue
		}
		el := c.ll.PushFront(&parityCacheEntry{id: ch.ID, data: ch.Data})
		c.items[ch.ID] = el
	}
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*parityCacheEntry).id)
	}
}
