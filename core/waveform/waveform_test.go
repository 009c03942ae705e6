package waveform

import (
	"math"
	"testing"
)

func flatBand(n int, v uint8) Band {
	b := Band{Left: make([]uint8, n), Right: make([]uint8, n)}
	for i := 0; i < n; i++ {
		b.Left[i], b.Right[i] = v, v
	}
	return b
}

func testBands(n int, low, mid, high, all uint8) *BandData {
	return &BandData{
		Duration:   float64(n) / 441,
		SampleRate: 44100,
		Step:       100,
		Low:        flatBand(n, low),
		Mid:        flatBand(n, mid),
		High:       flatBand(n, high),
		All:        flatBand(n, all),
	}
}

func rampRaw(frames int) *RawData {
	raw := &RawData{
		Duration:   float64(frames) / RawTargetRate,
		SampleRate: 44100,
		Rate:       RawTargetRate,
		Frames:     frames,
		MinLeft:    make([]float32, frames),
		MaxLeft:    make([]float32, frames),
		MinRight:   make([]float32, frames),
		MaxRight:   make([]float32, frames),
	}
	for i := 0; i < frames; i++ {
		v := float32(i%100) / 100
		raw.MinLeft[i], raw.MaxLeft[i] = -v, v
		raw.MinRight[i], raw.MaxRight[i] = -v/2, v/2
	}
	return raw
}

func TestBuildPyramid(t *testing.T) {
	levels := BuildPyramid(rampRaw(10000))
	if len(levels) != 7 {
		t.Fatalf("levels = %d, want 7", len(levels))
	}
	for i, l := range levels {
		if want := 1 << i; l.Factor != want {
			t.Errorf("level %d factor = %d, want %d", i, l.Factor, want)
		}
		if want := RawTargetRate / float64(l.Factor); l.Rate != want {
			t.Errorf("level %d rate = %v, want %v", i, l.Rate, want)
		}
	}
	last := levels[len(levels)-1]
	if last.Frames > pyramidMinFrames {
		t.Errorf("last level frames = %d, want <= %d", last.Frames, pyramidMinFrames)
	}
	// pair combine keeps the envelope
	l1 := levels[1]
	if l1.MaxLeft[0] != levels[0].MaxLeft[1] || l1.MinLeft[0] != levels[0].MinLeft[1] {
		t.Errorf("level 1 frame 0 = [%v, %v], want the wider pair", l1.MinLeft[0], l1.MaxLeft[0])
	}

	if got := BuildPyramid(rampRaw(200)); len(got) != 1 {
		t.Errorf("small input levels = %d, want 1", len(got))
	}
	if got := BuildPyramid(rampRaw(1 << 20)); len(got) != pyramidMaxLevels {
		t.Errorf("large input levels = %d, want %d", len(got), pyramidMaxLevels)
	}
}

func TestPickLevel(t *testing.T) {
	levels := BuildPyramid(rampRaw(1 << 20))
	tests := []struct {
		spp  float64
		want int
	}{
		{0.5, 1},
		{1, 1},
		{math.NaN(), 1},
		{math.Inf(1), 1},
		{3, 2},
		{4, 4},
		{100, 64},
		{1000, 128},
	}
	for _, tt := range tests {
		if got := PickLevel(levels, tt.spp).Factor; got != tt.want {
			t.Errorf("PickLevel(%v) factor = %d, want %d", tt.spp, got, tt.want)
		}
	}
	if PickLevel(nil, 4) != nil {
		t.Error("PickLevel(nil) should be nil")
	}
}

func TestBuildColumnsColorAndHeight(t *testing.T) {
	data := testBands(1000, 255, 0, 0, 255)
	cols := BuildColumns(data, ColumnParams{
		Range:      Range{StartFrame: 0, EndFrame: 1000},
		Width:      100,
		Height:     60,
		PixelRatio: 1,
	})
	if cols == nil || len(cols.Cols) != 100 {
		t.Fatalf("columns = %+v, want 100", cols)
	}
	c := cols.Cols[10]
	if c.R != 255 || c.G != 0 || c.B != 0 {
		t.Errorf("color = (%d,%d,%d), want pure red for low band", c.R, c.G, c.B)
	}
	if math.Abs(c.AvgTop-30) > 1e-9 || math.Abs(c.PeakBottom-30) > 1e-9 {
		t.Errorf("heights = %v/%v, want half height 30", c.AvgTop, c.PeakBottom)
	}
	if got := cols.Passes(); len(got) != 2 || got[0].Alpha != PeakAlpha || !got[0].Peak {
		t.Errorf("passes = %+v, want peak then avg", got)
	}
}

func TestBuildColumnsMixedColor(t *testing.T) {
	data := testBands(50, 100, 200, 50, 128)
	cols := BuildColumns(data, ColumnParams{
		Range:      Range{StartFrame: 0, EndFrame: 50},
		Width:      200,
		Height:     40,
		PixelRatio: 2,
	})
	if len(cols.Cols) != 400 {
		t.Fatalf("len = %d, want width*pixelRatio", len(cols.Cols))
	}
	c := cols.Cols[3]
	if c.R != 128 || c.G != 255 || c.B != 64 {
		t.Errorf("color = (%d,%d,%d), want (128,255,64)", c.R, c.G, c.B)
	}
	if cols.PixelWidth != 0.5 {
		t.Errorf("pixel width = %v, want 0.5", cols.PixelWidth)
	}
}

func TestBuildColumnsSilence(t *testing.T) {
	data := testBands(100, 0, 0, 0, 0)
	cols := BuildColumns(data, ColumnParams{Range: Range{EndFrame: 100}, Width: 10, Height: 10, PixelRatio: 1})
	for i, c := range cols.Cols {
		if c != nil {
			t.Fatalf("column %d = %+v, want nil", i, c)
		}
	}
	if q := cols.Quads(false); len(q) != 0 {
		t.Errorf("quads = %d, want 0", len(q))
	}
	if BuildColumns(&BandData{}, ColumnParams{Width: 10, Height: 10}) != nil {
		t.Error("empty band data should give nil")
	}
}

func TestBuildColumnsRaw(t *testing.T) {
	data := testBands(441, 10, 10, 10, 255)
	raw := rampRaw(RawTargetRate)
	cols := BuildColumns(data, ColumnParams{
		Range:      Range{StartFrame: 0, EndFrame: 441, StartTime: 0, EndTime: 1},
		Width:      240,
		Height:     100,
		PixelRatio: 1,
		Raw:        raw,
	})
	if !cols.Raw {
		t.Fatal("raw path not taken")
	}
	if p := cols.Passes(); len(p) != 1 || p[0].Alpha != RawAlpha {
		t.Errorf("passes = %+v, want single raw pass", p)
	}
	for _, c := range cols.Cols {
		if c.AvgTop != c.PeakTop || c.AvgTop > 50+1e-9 {
			t.Fatalf("raw column %+v, want peak == avg within half height", c)
		}
		if c.AvgBottom > c.AvgTop+1e-9 {
			t.Fatalf("right channel %v louder than left %v", c.AvgBottom, c.AvgTop)
		}
	}
}

func TestQuadsFallBackToCurrent(t *testing.T) {
	cols := &Columns{
		Cols: []*Column{
			{R: 1, AvgTop: 5, AvgBottom: 6},
			nil,
			{B: 9, AvgTop: 2, AvgBottom: 3},
		},
		HalfBreadth: 10,
		PixelWidth:  1,
	}
	q := cols.Quads(false)
	if len(q) != 2 {
		t.Fatalf("quads = %d, want 2", len(q))
	}
	if q[0].Y1 != 5 || q[0].Y2 != 16 {
		t.Errorf("quad 0 = %+v, want next edge reusing current heights", q[0])
	}
	if q[1].B != 9 || q[1].Y0 != 10 || q[1].Y1 != 8 {
		t.Errorf("quad 1 = %+v, want next color rising from the center", q[1])
	}
}

func TestSpectralColor(t *testing.T) {
	tone := func(freq, rate float64, n int) []float64 {
		s := make([]float64, n)
		for i := range s {
			s[i] = math.Sin(2 * math.Pi * freq * float64(i) / rate)
		}
		return s
	}
	tests := []struct {
		name string
		rate float64
		n    int
		freq float64
		dom  string
	}{
		{"full rate low", 44100, 1024, 300, "r"},
		{"full rate mid", 44100, 1024, 2000, "g"},
		{"full rate high", 44100, 1024, 8000, "b"},
		// 2400 Hz 时高频段压到 1080 Hz 以上
		{"raw rate low", 2400, 64, 100, "r"},
		{"raw rate mid", 2400, 64, 800, "g"},
		{"raw rate high", 2400, 64, 1150, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, g, b, ok := SpectralColor(tone(tt.freq, tt.rate, tt.n), tt.rate)
			if !ok {
				t.Fatal("no color")
			}
			got := map[string]uint8{"r": r, "g": g, "b": b}
			if got[tt.dom] != 255 {
				t.Errorf("color = (%d,%d,%d), want %s dominant", r, g, b, tt.dom)
			}
		})
	}
	if _, _, _, ok := SpectralColor(make([]float64, 64), 2400); ok {
		t.Error("silence should not produce a color")
	}
}

func TestBandSplits(t *testing.T) {
	tests := []struct {
		rate, low, high float64
	}{
		{44100, 600, 4000},
		{2400, 600, 1080},
		{1000, 450, 450},
	}
	for _, tt := range tests {
		low, high := BandSplits(tt.rate)
		if math.Abs(low-tt.low) > 1e-9 || math.Abs(high-tt.high) > 1e-9 {
			t.Errorf("BandSplits(%v) = %v, %v, want %v, %v", tt.rate, low, high, tt.low, tt.high)
		}
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		dur, zoom float64
		want      int
	}{
		{100, 1, 800},
		{0.1, 1, MinTrackWidth},
		{0, 1, FallbackTrackWidth},
		{100, 10, 2400},
		{100, 0.01, 80},
	}
	for _, tt := range tests {
		if got := TrackWidth(tt.dur, tt.zoom); got != tt.want {
			t.Errorf("TrackWidth(%v, %v) = %d, want %d", tt.dur, tt.zoom, got, tt.want)
		}
	}
	if got := TileCount(2401); got != 3 {
		t.Errorf("TileCount(2401) = %d, want 3", got)
	}
	if s, w := TileSpan(2401, 2); s != 2400 || w != 1 {
		t.Errorf("TileSpan = %d,%d, want 2400,1", s, w)
	}
	if got := VisibleTiles(5000, 1100, 2500); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("VisibleTiles = %v, want [0 1 2]", got)
	}
}
