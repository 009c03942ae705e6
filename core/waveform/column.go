package waveform

import "math"

const (
	// PeakAlpha and AvgAlpha are the two band passes of the non-raw path.
	PeakAlpha = 0.22
	AvgAlpha  = 0.9
	// RawAlpha is the single pass of the raw path.
	RawAlpha = 1.0

	spectralWindow = 64
)

// Range is the visible span of a track, in band frames and source seconds.
type Range struct {
	StartFrame float64
	EndFrame   float64
	StartTime  float64
	EndTime    float64
}

// ColumnParams drives BuildColumns.
type ColumnParams struct {
	Range      Range
	Width      float64
	Height     float64
	PixelRatio float64
	Raw        *RawData
	// Spectral colors raw columns from a short FFT instead of the band mix.
	Spectral bool
}

// Column is one device-pixel column. Heights extend from the center line.
type Column struct {
	R, G, B    uint8
	AvgTop     float64
	AvgBottom  float64
	PeakTop    float64
	PeakBottom float64
}

// Columns is the output of BuildColumns. A nil entry is a silent column.
type Columns struct {
	Cols        []*Column
	HalfBreadth float64
	PixelWidth  float64
	Raw         bool
}

// Quad is one filled band segment between columns x and x+1, in CSS pixels.
type Quad struct {
	R, G, B uint8
	X0, X1  float64
	// Y0/Y1 are the top edge, Y2/Y3 the bottom edge at X1 and X0.
	Y0, Y1, Y2, Y3 float64
}

// BuildColumns computes the colored columns of a band waveform.
// Returns nil when nothing can be drawn.
func BuildColumns(data *BandData, p ColumnParams) *Columns {
	if p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	frameCount := data.FrameCount()
	if frameCount == 0 {
		return nil
	}
	pr := p.PixelRatio
	if !(pr > 0) || math.IsInf(pr, 0) {
		pr = 1
	}

	rawStart := p.Range.StartFrame
	if math.IsNaN(rawStart) || math.IsInf(rawStart, 0) {
		rawStart = 0
	}
	rawEnd := p.Range.EndFrame
	if math.IsNaN(rawEnd) || math.IsInf(rawEnd, 0) {
		rawEnd = float64(frameCount)
	}
	startFrame := max(0, min(frameCount-1, int(math.Floor(rawStart))))
	endFrame := max(startFrame+1, min(frameCount, int(math.Ceil(rawEnd))))
	visible := endFrame - startFrame

	raw := p.Raw
	rawSpan := p.Range.EndTime - p.Range.StartTime
	hasRaw := raw.Usable() && rawSpan > 0 && !math.IsInf(rawSpan, 0)

	length := max(1, int(math.Floor(p.Width*pr)))
	gain := float64(visible*2) / float64(length)
	offset := float64(startFrame * 2)
	half := p.Height / 2
	scale := math.Max(0.2, math.Min(1, HeightScale))
	heightFactor := half * scale / 255
	rawHeightFactor := half * scale

	var rawFrames int
	var rawStartPos, rawVisible float64
	if hasRaw {
		rawFrames = raw.frameCount()
		rawStartPos = p.Range.StartTime * raw.Rate
		rawVisible = math.Max(1, p.Range.EndTime*raw.Rate-rawStartPos)
	}

	out := &Columns{
		Cols:        make([]*Column, length),
		HalfBreadth: half,
		PixelWidth:  1 / pr,
		Raw:         hasRaw,
	}
	lo, mid, hi, all := &data.Low, &data.Mid, &data.High, &data.All
	interpolate := gain <= 2

	for x := 0; x < length; x++ {
		xv := gain*float64(x) + offset
		var maxLow, maxMid, maxHigh float64
		var peakL, peakR, avgL, avgR float64

		if interpolate {
			pos := math.Max(float64(startFrame), math.Min(float64(endFrame-1), xv/2))
			i0 := int(math.Floor(pos))
			i1 := min(endFrame-1, i0+1)
			t := pos - float64(i0)
			lerpU8 := func(s []uint8) float64 { return lerp(float64(s[i0]), float64(s[i1]), t) }
			maxLow = math.Max(lerpU8(lo.Left), lerpU8(lo.Right))
			maxMid = math.Max(lerpU8(mid.Left), lerpU8(mid.Right))
			maxHigh = math.Max(lerpU8(hi.Left), lerpU8(hi.Right))
			avgL, avgR = lerpU8(all.Left), lerpU8(all.Right)
			peakL = lerp(float64(all.peakLeftAt(i0)), float64(all.peakLeftAt(i1)), t)
			peakR = lerp(float64(all.peakRightAt(i0)), float64(all.peakRightAt(i1)), t)
		} else {
			r := gain / 2
			fs := int(math.Floor(xv/2 - r + 0.5))
			fe := int(math.Floor(xv/2 + r + 0.5))
			fs = max(startFrame, min(endFrame-1, fs))
			fe = max(startFrame, min(endFrame-1, fe))
			if fe < fs {
				fs, fe = fe, fs
			}
			for i := fs; i <= fe; i++ {
				maxLow = math.Max(maxLow, float64(max(lo.Left[i], lo.Right[i])))
				maxMid = math.Max(maxMid, float64(max(mid.Left[i], mid.Right[i])))
				maxHigh = math.Max(maxHigh, float64(max(hi.Left[i], hi.Right[i])))
				peakL = math.Max(peakL, float64(all.peakLeftAt(i)))
				peakR = math.Max(peakR, float64(all.peakRightAt(i)))
				avgL = math.Max(avgL, float64(all.Left[i]))
				avgR = math.Max(avgR, float64(all.Right[i]))
			}
		}

		maxColor := math.Max(maxLow, math.Max(maxMid, maxHigh))
		if maxColor <= 0 {
			continue
		}
		col := &Column{
			R:          toChannel(maxLow / maxColor * 255),
			G:          toChannel(maxMid / maxColor * 255),
			B:          toChannel(maxHigh / maxColor * 255),
			AvgTop:     heightFactor * avgL,
			AvgBottom:  heightFactor * avgR,
			PeakTop:    heightFactor * peakL,
			PeakBottom: heightFactor * peakR,
		}

		if hasRaw && rawFrames > 1 {
			rawPos := rawStartPos + float64(x)/float64(max(1, length-1))*rawVisible
			idx := math.Max(0, math.Min(float64(rawFrames-1), rawPos))
			i0 := int(math.Floor(idx))
			i1 := min(rawFrames-1, i0+1)
			t := idx - float64(i0)
			minL := lerp(at32(raw.MinLeft, i0), at32(raw.MinLeft, i1), t)
			maxL := lerp(at32(raw.MaxLeft, i0), at32(raw.MaxLeft, i1), t)
			minR := lerp(at32(raw.MinRight, i0), at32(raw.MinRight, i1), t)
			maxR := lerp(at32(raw.MaxRight, i0), at32(raw.MaxRight, i1), t)
			col.AvgTop = math.Max(math.Abs(minL), math.Abs(maxL)) * rawHeightFactor
			col.AvgBottom = math.Max(math.Abs(minR), math.Abs(maxR)) * rawHeightFactor
			col.PeakTop, col.PeakBottom = col.AvgTop, col.AvgBottom

			if p.Spectral {
				if r, g, b, ok := SpectralColor(rawWindow(raw, rawFrames, i0), raw.Rate); ok {
					col.R, col.G, col.B = r, g, b
				}
			}
		}
		out.Cols[x] = col
	}
	return out
}

// Quads returns the polygons of one pass. A missing next column reuses the current heights,
// a missing current column borrows the next color with zero heights.
func (c *Columns) Quads(usePeak bool) []Quad {
	if c == nil {
		return nil
	}
	quads := make([]Quad, 0, len(c.Cols))
	for x := 0; x+1 < len(c.Cols); x++ {
		cur, next := c.Cols[x], c.Cols[x+1]
		color := cur
		if color == nil {
			color = next
		}
		if color == nil {
			continue
		}
		var curTop, curBottom float64
		if cur != nil {
			curTop, curBottom = cur.heights(usePeak)
		}
		nextTop, nextBottom := curTop, curBottom
		if next != nil {
			nextTop, nextBottom = next.heights(usePeak)
		}
		quads = append(quads, Quad{
			R: color.R, G: color.G, B: color.B,
			X0: float64(x) * c.PixelWidth,
			X1: float64(x+1) * c.PixelWidth,
			Y0: c.HalfBreadth - curTop,
			Y1: c.HalfBreadth - nextTop,
			Y2: c.HalfBreadth + nextBottom,
			Y3: c.HalfBreadth + curBottom,
		})
	}
	return quads
}

// Passes lists the (alpha, usePeak) passes in draw order.
func (c *Columns) Passes() []Pass {
	if c == nil {
		return nil
	}
	if c.Raw {
		return []Pass{{Alpha: RawAlpha}}
	}
	return []Pass{{Alpha: PeakAlpha, Peak: true}, {Alpha: AvgAlpha}}
}

// Pass is one draw pass over the columns.
type Pass struct {
	Alpha float64
	Peak  bool
}

func (col *Column) heights(usePeak bool) (top, bottom float64) {
	if usePeak {
		return col.PeakTop, col.PeakBottom
	}
	return col.AvgTop, col.AvgBottom
}

// rawWindow is the midline of the raw envelope around index i.
func rawWindow(raw *RawData, frames, i int) []float64 {
	start := max(0, min(frames-spectralWindow, i-spectralWindow/2))
	end := min(frames, start+spectralWindow)
	w := make([]float64, 0, end-start)
	for k := start; k < end; k++ {
		l := (at32(raw.MinLeft, k) + at32(raw.MaxLeft, k)) / 2
		r := (at32(raw.MinRight, k) + at32(raw.MaxRight, k)) / 2
		w = append(w, (l+r)/2)
	}
	return w
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func toChannel(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
