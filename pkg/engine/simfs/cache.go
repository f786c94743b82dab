package simfs

import (
	"container/list"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// cacheItem is one cached logical block. Items with refs > 0 are pinned and
// never evicted.
type cacheItem struct {
	lba   uint64
	data  []byte
	dirty bool
	refs  int
	elem  *list.Element
}

// blockCache is an LRU cache of logical blocks, stored in BCache.Private.
type blockCache struct {
	items    map[uint64]*cacheItem
	lru      *list.List
	cnt      int
	itemSize uint32
}

func newBlockCache(cnt, itemSize uint32) *blockCache {
	return &blockCache{
		items:    make(map[uint64]*cacheItem),
		lru:      list.New(),
		cnt:      int(cnt),
		itemSize: itemSize,
	}
}

func cacheOf(bdev *engine.BlockDev) *blockCache {
	if bdev.Bc == nil {
		return nil
	}
	c, _ := bdev.Bc.Private.(*blockCache)
	return c
}

// get pins block lba. With noRead the block is zero-filled instead of read
// from the device.
func (c *blockCache) get(bdev *engine.BlockDev, lba uint64, noRead bool) (*cacheItem, int) {
	if it, ok := c.items[lba]; ok {
		it.refs++
		c.lru.MoveToFront(it.elem)
		if noRead {
			clear(it.data)
		}
		return it, engine.EOK
	}

	if rc := c.evict(bdev); rc != engine.EOK {
		return nil, rc
	}

	it := &cacheItem{lba: lba, data: make([]byte, c.itemSize), refs: 1}
	if !noRead {
		if rc := readLogical(bdev, it.data, lba, 1); rc != engine.EOK {
			return nil, rc
		}
	}
	it.elem = c.lru.PushFront(it)
	c.items[lba] = it
	return it, engine.EOK
}

// put unpins it. Dirty items are written immediately unless write-back
// caching is enabled on the device.
func (c *blockCache) put(bdev *engine.BlockDev, it *cacheItem, dirty bool) int {
	if dirty {
		it.dirty = true
	}
	if it.refs > 0 {
		it.refs--
	}
	if it.dirty && bdev.CacheWriteBack == 0 {
		return c.writeItem(bdev, it)
	}
	return engine.EOK
}

// evict makes room for one more item. When every item is pinned the cache
// grows past its nominal size instead of failing.
func (c *blockCache) evict(bdev *engine.BlockDev) int {
	for len(c.items) >= c.cnt {
		var victim *cacheItem
		for e := c.lru.Back(); e != nil; e = e.Prev() {
			if it := e.Value.(*cacheItem); it.refs == 0 {
				victim = it
				break
			}
		}
		if victim == nil {
			return engine.EOK
		}
		if rc := c.writeItem(bdev, victim); rc != engine.EOK {
			return rc
		}
		c.remove(victim)
	}
	return engine.EOK
}

func (c *blockCache) writeItem(bdev *engine.BlockDev, it *cacheItem) int {
	if !it.dirty {
		return engine.EOK
	}
	if rc := writeLogical(bdev, it.data, it.lba, 1); rc != engine.EOK {
		return rc
	}
	it.dirty = false
	return engine.EOK
}

func (c *blockCache) remove(it *cacheItem) {
	c.lru.Remove(it.elem)
	delete(c.items, it.lba)
}

// flush writes every dirty item.
func (c *blockCache) flush(bdev *engine.BlockDev) int {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		if rc := c.writeItem(bdev, e.Value.(*cacheItem)); rc != engine.EOK {
			return rc
		}
	}
	return engine.EOK
}

// syncRange makes the device authoritative for [lba, lba+cnt): dirty items
// are written and, when drop is set, unpinned items are discarded.
func (c *blockCache) syncRange(bdev *engine.BlockDev, lba uint64, cnt uint32, drop bool) int {
	if len(c.items) == 0 {
		return engine.EOK
	}
	for i := uint64(0); i < uint64(cnt); i++ {
		it, ok := c.items[lba+i]
		if !ok {
			continue
		}
		if drop {
			if it.refs == 0 {
				c.remove(it)
			}
			continue
		}
		if rc := c.writeItem(bdev, it); rc != engine.EOK {
			return rc
		}
	}
	return engine.EOK
}

// discard forgets block lba without writing it.
func (c *blockCache) discard(lba uint64) {
	if it, ok := c.items[lba]; ok {
		c.remove(it)
	}
}

func (c *blockCache) reset() {
	c.items = make(map[uint64]*cacheItem)
	c.lru.Init()
}
