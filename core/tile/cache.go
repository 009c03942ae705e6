package tile

import (
	"image"
	"sort"
	"sync"

	"Bt1Mix/logger"
)

// DefaultCacheLimit is the tile count kept before pruning.
const DefaultCacheLimit = 260

type cacheEntry struct {
	filePath string
	img      *image.RGBA
	used     uint64
}

// Cache 瓦片位图缓存，按最近使用的 tick 淘汰
type Cache struct {
	mu      sync.Mutex
	limit   int
	tick    uint64
	entries map[string]*cacheEntry
	byFile  map[string]map[string]struct{}

	// Dispose 在条目被淘汰或失效时调用
	Dispose func(key string, img *image.RGBA)
}

// NewCache creates a cache holding up to limit tiles.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &Cache{
		limit:   limit,
		entries: make(map[string]*cacheEntry),
		byFile:  make(map[string]map[string]struct{}),
	}
}

// Get returns the cached tile and marks it used.
func (c *Cache) Get(key string) (*image.RGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.tick++
	e.used = c.tick
	return e.img, true
}

// Put stores a tile, indexes it under filePath and prunes the overflow.
func (c *Cache) Put(filePath, key string, img *image.RGBA) {
	c.mu.Lock()
	c.tick++
	if old, ok := c.entries[key]; ok {
		if old.img != img {
			c.dispose(key, old.img)
		}
		if old.filePath != filePath {
			c.unindex(old.filePath, key)
		}
	}
	c.entries[key] = &cacheEntry{filePath: filePath, img: img, used: c.tick}
	set := c.byFile[filePath]
	if set == nil {
		set = make(map[string]struct{})
		c.byFile[filePath] = set
	}
	set[key] = struct{}{}
	c.mu.Unlock()

	c.Prune()
}

// Prune evicts the least recently used tiles above the limit. Returns the evicted count.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	over := len(c.entries) - c.limit
	if over <= 0 {
		return 0
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].used < c.entries[keys[j]].used
	})
	for _, k := range keys[:over] {
		c.remove(k)
	}
	logger.Debug("瓦片缓存淘汰", logger.Int("evicted", over), logger.Int("limit", c.limit))
	return over
}

// InvalidateFile drops every tile of filePath and leaves other files alone.
func (c *Cache) InvalidateFile(filePath string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.byFile[filePath]
	n := 0
	for k := range set {
		if _, ok := c.entries[k]; ok {
			c.remove(k)
			n++
		}
	}
	delete(c.byFile, filePath)
	return n
}

// Clear drops every tile.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		c.remove(k)
	}
	c.byFile = make(map[string]map[string]struct{})
}

// SetLimit replaces the limit and prunes.
func (c *Cache) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
	c.Prune()
}

// EnsureLimit raises the limit to at least limit. It never lowers it.
func (c *Cache) EnsureLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > c.limit {
		c.limit = limit
	}
}

// Limit returns the current limit.
func (c *Cache) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Len returns the tile count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// remove 调用方需持有锁
func (c *Cache) remove(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.unindex(e.filePath, key)
	c.dispose(key, e.img)
}

func (c *Cache) unindex(filePath, key string) {
	if set := c.byFile[filePath]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byFile, filePath)
		}
	}
}

func (c *Cache) dispose(key string, img *image.RGBA) {
	if c.Dispose != nil {
		c.Dispose(key, img)
	}
}
