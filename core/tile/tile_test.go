package tile

import (
	"image"
	"testing"
	"time"

	"Bt1Mix/core/waveform"
)

func testBands(n int) *waveform.BandData {
	band := func(v uint8) waveform.Band {
		b := waveform.Band{Left: make([]uint8, n), Right: make([]uint8, n)}
		for i := range b.Left {
			b.Left[i], b.Right[i] = v, v
		}
		return b
	}
	return &waveform.BandData{
		Duration:   float64(n) / 441,
		SampleRate: 44100,
		Step:       100,
		Low:        band(200),
		Mid:        band(60),
		High:       band(20),
		All:        band(200),
	}
}

func mustPayload(t *testing.T, file string, idx int, zoom float64) Payload {
	t.Helper()
	p, ok := NewPayload(file, idx, zoom, 300, 40, 1)
	if !ok {
		t.Fatalf("no payload for %s tile %d", file, idx)
	}
	return p
}

func TestKeyString(t *testing.T) {
	k := NewKey("/a/b.mp3", 3, 1.2345, 1200, 40, 1.5)
	if got, want := k.String(), "/a/b.mp3::3::1235::1200x40@150"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestNewPayload(t *testing.T) {
	// 300 s at zoom 1 is 2400 px, two full tiles
	p := mustPayload(t, "a", 1, 1)
	if p.TrackWidth != 2400 || p.TileStart != 1200 || p.TileWidth != 1200 {
		t.Errorf("payload = %+v", p)
	}
	if _, ok := NewPayload("a", 2, 1, 300, 40, 1); ok {
		t.Error("tile past the end should not lay out")
	}
}

func TestCachePrune(t *testing.T) {
	c := NewCache(2)
	var disposed []string
	c.Dispose = func(key string, _ *image.RGBA) { disposed = append(disposed, key) }
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	c.Put("f", "f::0", img)
	c.Put("f", "f::1", img)
	c.Get("f::0")
	c.Put("f", "f::2", img)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("f::1"); ok {
		t.Error("least recently used tile survived")
	}
	if len(disposed) != 1 || disposed[0] != "f::1" {
		t.Errorf("disposed = %v, want [f::1]", disposed)
	}
	c.EnsureLimit(1)
	if c.Limit() != 2 {
		t.Errorf("EnsureLimit lowered the limit to %d", c.Limit())
	}
}

func TestCacheInvalidateFileOnlyThatFile(t *testing.T) {
	c := NewCache(10)
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	c.Put("a", "a::0", img)
	c.Put("a", "a::1", img)
	c.Put("b", "b::0", img)
	if n := c.InvalidateFile("a"); n != 2 {
		t.Errorf("invalidated %d, want 2", n)
	}
	if _, ok := c.Get("b::0"); !ok {
		t.Error("other file's tile was dropped")
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestCachePathWithSeparator(t *testing.T) {
	c := NewCache(2)
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	path := "/music/a::b.wav"
	k0 := NewKey(path, 0, 1, 1200, 40, 1).String()
	k1 := NewKey(path, 1, 1, 1200, 40, 1).String()
	k2 := NewKey("/music/c.wav", 0, 1, 1200, 40, 1).String()
	c.Put(path, k0, img)
	c.Put(path, k1, img)
	// 淘汰 k0 后索引里也不能留下它
	c.Put("/music/c.wav", k2, img)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if n := len(c.byFile[path]); n != 1 {
		t.Errorf("index of %q holds %d keys, want 1", path, n)
	}
	if n := c.InvalidateFile(path); n != 1 {
		t.Errorf("invalidated %d, want 1", n)
	}
	if _, ok := c.byFile[path]; ok {
		t.Error("index entry kept after invalidation")
	}
	if _, ok := c.Get(k2); !ok || c.Len() != 1 {
		t.Errorf("other file's tile lost, len = %d", c.Len())
	}
}

func TestRendererSummaryAndPlaceholder(t *testing.T) {
	r := NewRenderer()
	p := mustPayload(t, "x", 0, 1)
	p.Zoom = 0
	img := r.RenderTile(p)
	if got := img.RGBAAt(10, 20); got.A == 0 {
		t.Errorf("summary bar pixel = %v, want filled", got)
	}
	if got := img.RGBAAt(10, 1); got.A != 0 {
		t.Errorf("pixel above the bar = %v, want clear", got)
	}

	p.Zoom = 1
	img = r.RenderTile(p)
	if got := img.RGBAAt(1, 20); got.A == 0 {
		t.Errorf("placeholder dash pixel = %v, want drawn", got)
	}
	if got := img.RGBAAt(5, 20); got.A != 0 {
		t.Errorf("placeholder gap pixel = %v, want clear", got)
	}
}

func TestRendererWaveform(t *testing.T) {
	r := NewRenderer()
	r.Store("x", testBands(300*441), nil)
	p := mustPayload(t, "x", 0, 1)
	img := r.RenderTile(p)
	if b := img.Bounds(); b.Dx() != 1200 || b.Dy() != 40 {
		t.Fatalf("bounds = %v", b)
	}
	c := img.RGBAAt(600, 20)
	if c.A == 0 || c.R <= c.G || c.G <= c.B {
		t.Errorf("center pixel = %v, want low-dominant color", c)
	}
	if got := img.RGBAAt(600, 0); got.A != 0 {
		t.Errorf("edge pixel = %v, want clear", got)
	}
}

func TestPipelineSyncCacheHit(t *testing.T) {
	p := NewPipeline(10, nil)
	p.Store("x", testBands(1000), nil)
	pl := mustPayload(t, "x", 0, 1)
	first, ok := p.Request(pl)
	if !ok {
		t.Fatal("sync request not ready")
	}
	second, _ := p.Request(pl)
	if first != second {
		t.Error("second request rendered again instead of hitting the cache")
	}
}

func TestPipelineWorkerRoundTrip(t *testing.T) {
	pool := NewPool(2)
	p := NewPipeline(10, pool)
	defer p.Close()
	landed := make(chan string, 4)
	p.OnTile = func(key string) { landed <- key }

	p.Store("x", testBands(1000), nil)
	pl := mustPayload(t, "x", 0, 1)
	if _, ready := p.Request(pl); ready {
		t.Fatal("first request should be a placeholder")
	}
	if !p.Pending(pl.CacheKey) {
		t.Error("request not tracked as pending")
	}
	select {
	case key := <-landed:
		if key != pl.CacheKey {
			t.Errorf("landed %q, want %q", key, pl.CacheKey)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tile never landed")
	}
	first, ready := p.Request(pl)
	if !ready {
		t.Fatal("tile not cached after landing")
	}
	second, _ := p.Request(pl)
	if first != second {
		t.Error("cache hit returned a different bitmap")
	}
}

func TestPipelineStoreCopiesData(t *testing.T) {
	pool := NewPool(2)
	p := NewPipeline(10, pool)
	defer p.Close()
	landed := make(chan string, 1)
	p.OnTile = func(key string) { landed <- key }

	bands := testBands(300 * 441)
	p.Store("x", bands, nil)
	// 调用方之后改写自己的数据，不影响 worker
	for _, b := range []*waveform.Band{&bands.Low, &bands.Mid, &bands.High, &bands.All} {
		clear(b.Left)
		clear(b.Right)
	}
	if !p.HasData("x") {
		t.Fatal("data not stored")
	}

	pl := mustPayload(t, "x", 0, 1)
	p.Request(pl)
	select {
	case <-landed:
	case <-time.After(5 * time.Second):
		t.Fatal("tile never landed")
	}
	img, ready := p.Request(pl)
	if !ready {
		t.Fatal("tile not cached")
	}
	if c := img.RGBAAt(600, 20); c.A == 0 {
		t.Errorf("center pixel = %v, want the waveform as stored", c)
	}
}

func TestPipelineDropsStaleResult(t *testing.T) {
	p := NewPipeline(10, nil)
	pl := mustPayload(t, "x", 0, 1)
	p.pending[pl.CacheKey] = pendingTile{filePath: "x", generation: 0}
	p.generations["x"] = 1
	p.apply(RenderTileResponse{CacheKey: pl.CacheKey, FilePath: "x", Bitmap: image.NewRGBA(image.Rect(0, 0, 1, 1))})
	if p.cache.Len() != 0 {
		t.Error("stale tile was cached")
	}

	p.pending[pl.CacheKey] = pendingTile{filePath: "x", generation: 1}
	p.apply(RenderTileResponse{CacheKey: pl.CacheKey, FilePath: "x", Bitmap: image.NewRGBA(image.Rect(0, 0, 1, 1))})
	if p.cache.Len() != 1 {
		t.Error("current tile was not cached")
	}
	p.InvalidateFile("x")
	if p.cache.Len() != 0 || p.Generation("x") != 2 {
		t.Errorf("after invalidate len=%d gen=%d", p.cache.Len(), p.Generation("x"))
	}
}

func TestWorkerProgressThrottle(t *testing.T) {
	out := make(chan Response, 64)
	w := NewWorker(0, out)
	clock := time.Unix(0, 0)
	w.now = func() time.Time { return clock }

	tasks := []Payload{mustPayload(t, "x", 0, 0), mustPayload(t, "x", 0, 0.5), mustPayload(t, "x", 0, 1)}
	w.handle(PreRender{Token: 7, Tasks: tasks})
	clock = clock.Add(ProgressInterval)
	w.preRenderNext()
	clock = clock.Add(10 * time.Millisecond)
	w.preRenderNext()
	clock = clock.Add(ProgressInterval)
	w.preRenderNext()
	close(out)

	var progress []Progress
	var done, tiles int
	for resp := range out {
		switch r := resp.(type) {
		case Progress:
			progress = append(progress, r)
		case PreRenderDone:
			done++
			if r.Token != 7 {
				t.Errorf("done token = %d, want 7", r.Token)
			}
		case RenderTileResponse:
			tiles++
		}
	}
	// 0/3 forced, 1/3 after the first tile, 2/3 throttled, 3/3 forced
	if len(progress) != 3 {
		t.Fatalf("progress = %+v, want 3 messages", progress)
	}
	if progress[1].Done != 1 || progress[2].Done != 3 {
		t.Errorf("progress = %+v", progress)
	}
	if tiles != 3 || done != 1 {
		t.Errorf("tiles=%d done=%d, want 3 and 1", tiles, done)
	}
}
