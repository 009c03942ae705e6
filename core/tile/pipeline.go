package tile

import (
	"image"
	"sync"

	"Bt1Mix/core/waveform"
	"Bt1Mix/logger"
)

// ProgressState is the merged pre-render progress.
type ProgressState struct {
	Done    int
	Total   int
	Running bool
}

type pendingTile struct {
	filePath   string
	generation uint64
}

// Pipeline owns the tile cache and routes misses to the worker pool.
// Without a pool it renders synchronously.
type Pipeline struct {
	mu          sync.Mutex
	cache       *Cache
	pool        *Pool
	local       *Renderer
	pending     map[string]pendingTile
	generations map[string]uint64
	progress    ProgressState
	token       uint64

	// OnTile is called after a worker tile lands in the cache.
	OnTile func(key string)

	wg sync.WaitGroup
}

// NewPipeline creates a pipeline. pool may be nil.
func NewPipeline(cacheLimit int, pool *Pool) *Pipeline {
	p := &Pipeline{
		cache:       NewCache(cacheLimit),
		pool:        pool,
		local:       NewRenderer(),
		pending:     make(map[string]pendingTile),
		generations: make(map[string]uint64),
	}
	if pool != nil {
		p.wg.Add(1)
		go p.consume()
	}
	return p
}

// Cache exposes the tile cache.
func (p *Pipeline) Cache() *Cache { return p.cache }

// Store pushes a copy of a file's data to the renderers; the caller keeps
// ownership of bands and raw.
func (p *Pipeline) Store(filePath string, bands *waveform.BandData, raw *waveform.RawData) {
	bands, raw = bands.Clone(), raw.Clone()
	p.mu.Lock()
	p.local.Store(filePath, bands, raw)
	p.mu.Unlock()
	if p.pool != nil {
		p.pool.Send(StoreWaveform{FilePath: filePath, Bands: bands, Raw: raw})
	}
}

// Request returns the cached tile, or a placeholder while the worker renders it.
// ready is false for a placeholder.
func (p *Pipeline) Request(pl Payload) (img *image.RGBA, ready bool) {
	if img, ok := p.cache.Get(pl.CacheKey); ok {
		return img, true
	}
	if p.pool == nil {
		p.mu.Lock()
		img := p.local.RenderTile(pl)
		p.mu.Unlock()
		p.cache.Put(pl.FilePath, pl.CacheKey, img)
		return img, true
	}

	p.mu.Lock()
	if _, ok := p.pending[pl.CacheKey]; !ok {
		p.pending[pl.CacheKey] = pendingTile{filePath: pl.FilePath, generation: p.generations[pl.FilePath]}
		p.mu.Unlock()
		p.pool.Send(RenderTileRequest{Payload: pl})
	} else {
		p.mu.Unlock()
	}
	return RenderPlaceholder(pl), false
}

// Pending reports whether a tile is in flight.
func (p *Pipeline) Pending(cacheKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[cacheKey]
	return ok
}

// HasData reports whether band data of filePath is stored.
func (p *Pipeline) HasData(filePath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local.Has(filePath)
}

// Generation returns the invalidation counter of a file.
func (p *Pipeline) Generation(filePath string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations[filePath]
}

// InvalidateFile drops the tiles and data of one file. In-flight results for it are discarded.
func (p *Pipeline) InvalidateFile(filePath string) {
	p.mu.Lock()
	p.generations[filePath]++
	for key, pt := range p.pending {
		if pt.filePath == filePath {
			delete(p.pending, key)
		}
	}
	p.local.Clear(filePath)
	p.mu.Unlock()

	n := p.cache.InvalidateFile(filePath)
	if p.pool != nil {
		p.pool.Send(ClearCache{FilePath: filePath})
	}
	logger.Debug("瓦片缓存失效", logger.String("file", filePath), logger.Int("tiles", n))
}

// ClearTiles drops every cached tile but keeps the waveform data.
func (p *Pipeline) ClearTiles() {
	p.mu.Lock()
	for file := range p.generations {
		p.generations[file]++
	}
	clear(p.pending)
	p.mu.Unlock()
	p.cache.Clear()
}

// PreRender queues tasks in the background and raises the cache limit to hold them.
// Without a pool the tasks render inline.
func (p *Pipeline) PreRender(tasks []Payload) {
	p.cache.EnsureLimit(p.cache.Len() + len(tasks) + 20)
	if p.pool == nil {
		for _, t := range tasks {
			p.Request(t)
		}
		p.mu.Lock()
		p.progress = ProgressState{Done: len(tasks), Total: len(tasks)}
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.token++
	token := p.token
	for _, t := range tasks {
		if _, ok := p.pending[t.CacheKey]; !ok {
			p.pending[t.CacheKey] = pendingTile{filePath: t.FilePath, generation: p.generations[t.FilePath]}
		}
	}
	p.progress = ProgressState{Total: len(tasks), Running: len(tasks) > 0}
	p.mu.Unlock()
	p.pool.Send(PreRender{Token: token, Tasks: tasks})
}

// CancelPreRender stops the background queue.
func (p *Pipeline) CancelPreRender() {
	p.mu.Lock()
	p.token++
	p.progress = ProgressState{}
	p.mu.Unlock()
	if p.pool != nil {
		p.pool.Send(CancelPreRender{})
	}
}

// Progress returns the pre-render progress.
func (p *Pipeline) Progress() ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Pipeline) consume() {
	defer p.wg.Done()
	for resp := range p.pool.Responses() {
		switch r := resp.(type) {
		case RenderTileResponse:
			p.apply(r)
		case Progress:
			p.mu.Lock()
			if r.Token == p.token {
				p.progress.Done, p.progress.Total = r.Done, r.Total
			}
			p.mu.Unlock()
		case PreRenderDone:
			p.mu.Lock()
			if r.Token == p.token {
				p.progress.Done = p.progress.Total
				p.progress.Running = false
			}
			p.mu.Unlock()
		}
	}
}

// apply caches a worker result unless its file was invalidated since the request.
func (p *Pipeline) apply(r RenderTileResponse) {
	p.mu.Lock()
	pt, ok := p.pending[r.CacheKey]
	if ok {
		delete(p.pending, r.CacheKey)
	}
	stale := !ok || pt.generation != p.generations[pt.filePath]
	p.mu.Unlock()

	if stale {
		logger.Debug("丢弃过期瓦片", logger.String("key", r.CacheKey))
		return
	}
	if r.Err != nil || r.Bitmap == nil {
		logger.Warn("瓦片渲染失败", logger.String("key", r.CacheKey), logger.ErrorField(r.Err))
		return
	}
	p.cache.Put(pt.filePath, r.CacheKey, r.Bitmap)
	if p.OnTile != nil {
		p.OnTile(r.CacheKey)
	}
}

// Close stops the pool and waits for the consumer.
func (p *Pipeline) Close() {
	if p.pool == nil {
		return
	}
	p.pool.Stop()
	p.wg.Wait()
}
