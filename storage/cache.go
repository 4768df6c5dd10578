package storage

import "sync"

// PageCache is the MVCC-aware page cache of spec §3/§4.2: a bounded LRU map
// from page index to version chain, an unbounded overflow map holding every
// chain evicted from the LRU (whatever versions it holds), and a
// tx_id -> touched-indices index used to commit or abort a whole
// transaction's writes at once.
type PageCache struct {
	mu           sync.Mutex
	cache        *lruCache[*chain]
	uncommitted  map[uint64]map[int]struct{}
	evicted      map[int]*chain
	maxCacheSize int
}

// NewPageCache builds a page cache bounded to maxCacheSize resident pages.
func NewPageCache(maxCacheSize int) *PageCache {
	return &PageCache{
		cache:        newLRUCache[*chain](maxCacheSize),
		uncommitted:  make(map[uint64]map[int]struct{}),
		evicted:      make(map[int]*chain),
		maxCacheSize: maxCacheSize,
	}
}

// Get returns the page visible to txID at the given snapshot LSN. It checks
// the resident chain first (txID's own uncommitted write, then the newest
// version committed at or below snapshot), then the evicted chain the same
// way. Returns nil if no version is visible.
func (c *PageCache) Get(txID uint64, snapshot int64, index int) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.cache.get(index); ok {
		if p := ch.viewUncommitted(txID); p != nil {
			return p.Copy()
		}
		if p := ch.view(snapshot); p != nil {
			return p.Copy()
		}
	}
	if ch, ok := c.evicted[index]; ok {
		if p := ch.viewUncommitted(txID); p != nil {
			return p.Copy()
		}
		if p := ch.view(snapshot); p != nil {
			return p.Copy()
		}
	}
	return nil
}

// InsertDirty records a new uncommitted write by txID, evicting the
// least-recently-used chain into the overflow map if the cache is now over
// capacity.
func (c *PageCache) InsertDirty(txID uint64, index int, page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uncommitted[txID] == nil {
		c.uncommitted[txID] = make(map[int]struct{})
	}
	c.uncommitted[txID][index] = struct{}{}

	ch := c.cache.getOrCreate(index, newChain)
	ch.appendUncommitted(txID, page)
	c.evictIfNeeded()
}

// InsertFromDisk records a page loaded from the Finder as already
// committed at commitIndex, filling a cache miss.
func (c *PageCache) InsertFromDisk(txID uint64, commitIndex int64, index int, page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.cache.getOrCreate(index, newChain)
	ch.appendCommitted(txID, commitIndex, page)
	c.evictIfNeeded()
}

func (c *PageCache) evictIfNeeded() {
	if c.maxCacheSize <= 0 || c.cache.len() <= c.maxCacheSize {
		return
	}
	if index, ch, ok := c.cache.popOld(); ok {
		c.evicted[index] = ch
	}
}

// Commit promotes every uncommitted page txID wrote, in both the resident
// cache and the overflow map, to committed at commitIndex.
func (c *PageCache) Commit(txID uint64, commitIndex int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	indices, ok := c.uncommitted[txID]
	if !ok {
		return
	}
	delete(c.uncommitted, txID)
	for index := range indices {
		if ch, ok := c.cache.get(index); ok {
			ch.commit(txID, commitIndex)
		}
		if ch, ok := c.evicted[index]; ok {
			ch.commit(txID, commitIndex)
		}
	}
}

// Abort discards every uncommitted page txID wrote, in both maps.
func (c *PageCache) Abort(txID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	indices, ok := c.uncommitted[txID]
	if !ok {
		return
	}
	delete(c.uncommitted, txID)
	for index := range indices {
		if ch, ok := c.cache.get(index); ok {
			ch.abort(txID)
		}
		if ch, ok := c.evicted[index]; ok {
			ch.abort(txID)
		}
	}
}

// Snapshot returns, for every page index currently tracked by the cache
// (resident or evicted), the most recently committed page at or below upto
// — the exact set a checkpoint must persist to the data Finder before it
// can advance the WAL's durability watermark past upto.
func (c *PageCache) Snapshot(upto int64) map[int]*Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int]*Page)
	collect := func(index int, ch *chain) {
		if p := ch.view(upto); p != nil {
			out[index] = p.Copy()
		}
	}
	c.cache.each(collect)
	for index, ch := range c.evicted {
		collect(index, ch)
	}
	return out
}

// Flush trims both chains for index to versions still reachable above the
// given watermark, and drops the evicted chain entirely once it is empty —
// the only way an evicted entry's memory is ever reclaimed.
func (c *PageCache) Flush(index int, watermark int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.cache.get(index); ok {
		ch.splitOff(watermark)
		if ch.isEmpty() {
			c.cache.remove(index)
		}
	}
	if ch, ok := c.evicted[index]; ok {
		ch.splitOff(watermark)
		if ch.isEmpty() {
			delete(c.evicted, index)
		}
	}
}

// Stats reports LRU hit/miss counters for metrics (spec AMBIENT/Metrics).
func (c *PageCache) Stats() (hits, misses uint64, size, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.stats()
}
