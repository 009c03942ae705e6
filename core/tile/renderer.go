package tile

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"Bt1Mix/core/waveform"
)

var (
	summaryColor     = color.NRGBA{R: 90, G: 170, B: 255, A: alpha8(0.35)}
	placeholderColor = color.NRGBA{R: 128, G: 128, B: 128, A: alpha8(0.3)}
)

const (
	summaryHeightRatio = 0.55
	summaryMinHeight   = 4
	placeholderDash    = 4
	summaryZoomEpsilon = 0.0001
)

// Renderer draws tiles from its own copies of the waveform tables.
// It is not safe for concurrent use; each worker owns one.
type Renderer struct {
	bands    map[string]*waveform.BandData
	raws     map[string]*waveform.RawData
	pyramids map[string][]*waveform.RawLevel
	raster   *vector.Rasterizer
}

// NewRenderer creates an empty renderer.
func NewRenderer() *Renderer {
	return &Renderer{
		bands:    make(map[string]*waveform.BandData),
		raws:     make(map[string]*waveform.RawData),
		pyramids: make(map[string][]*waveform.RawLevel),
		raster:   vector.NewRasterizer(1, 1),
	}
}

// Store replaces the data of a file. A nil argument removes that table entry.
func (r *Renderer) Store(filePath string, bands *waveform.BandData, raw *waveform.RawData) {
	if filePath == "" {
		return
	}
	if bands != nil {
		r.bands[filePath] = bands
	} else {
		delete(r.bands, filePath)
	}
	if raw != nil {
		r.raws[filePath] = raw
		r.pyramids[filePath] = waveform.BuildPyramid(raw)
	} else {
		delete(r.raws, filePath)
		delete(r.pyramids, filePath)
	}
}

// Clear drops the data of filePath, or everything when filePath is empty.
func (r *Renderer) Clear(filePath string) {
	if filePath == "" {
		clear(r.bands)
		clear(r.raws)
		clear(r.pyramids)
		return
	}
	delete(r.bands, filePath)
	delete(r.raws, filePath)
	delete(r.pyramids, filePath)
}

// Has reports whether band data is stored for filePath.
func (r *Renderer) Has(filePath string) bool {
	_, ok := r.bands[filePath]
	return ok
}

// RenderTile draws one tile. The image is TileWidth·PixelRatio by LaneHeight·PixelRatio device pixels.
func (r *Renderer) RenderTile(p Payload) *image.RGBA {
	pr := pixelRatio(p.PixelRatio)
	w, h := float64(p.TileWidth), float64(p.LaneHeight)
	dst := newCanvas(w, h, pr)

	if p.Zoom <= waveform.SummaryZoom+summaryZoomEpsilon {
		drawSummaryBar(dst, w, h, pr)
		return dst
	}
	data := r.bands[p.FilePath]
	frameCount := data.FrameCount()
	if frameCount == 0 || p.TrackWidth <= 0 {
		drawPlaceholder(dst, w, h, pr)
		return dst
	}

	track := math.Max(1, float64(p.TrackWidth))
	start := float64(p.TileStart) / track
	end := float64(p.TileStart+p.TileWidth) / track
	rng := waveform.Range{
		StartFrame: math.Floor(start * float64(frameCount)),
		EndFrame:   math.Ceil(end * float64(frameCount)),
	}
	if p.DurationSec > 0 {
		rng.StartTime = start * p.DurationSec
		rng.EndTime = end * p.DurationSec
	}

	params := waveform.ColumnParams{Range: rng, Width: w, Height: h, PixelRatio: pr}
	if raw := r.raws[p.FilePath]; raw != nil && p.Zoom >= waveform.RawMinZoom {
		params.Raw = raw
		span := math.Max(0, rng.EndTime-rng.StartTime)
		if span > 0 {
			spp := raw.Rate * span / math.Max(1, w*pr)
			if level := waveform.PickLevel(r.pyramids[p.FilePath], spp); level != nil {
				params.Raw = &level.RawData
				params.Spectral = level.Factor == 1 && spp <= 1
			}
		}
	}

	cols := waveform.BuildColumns(data, params)
	for _, pass := range cols.Passes() {
		r.fillQuads(dst, cols.Quads(pass.Peak), pass.Alpha, pr)
	}
	return dst
}

// RenderPlaceholder is the bitmap shown while a tile is pending.
func RenderPlaceholder(p Payload) *image.RGBA {
	pr := pixelRatio(p.PixelRatio)
	w, h := float64(p.TileWidth), float64(p.LaneHeight)
	dst := newCanvas(w, h, pr)
	drawPlaceholder(dst, w, h, pr)
	return dst
}

// fillQuads rasterizes each quad inside its own column strip.
func (r *Renderer) fillQuads(dst *image.RGBA, quads []waveform.Quad, alpha, pr float64) {
	bounds := dst.Bounds()
	height := bounds.Dy()
	a := alpha8(alpha)
	for _, q := range quads {
		x0 := int(math.Floor(q.X0 * pr))
		x1 := min(bounds.Max.X, int(math.Ceil(q.X1*pr)))
		if x0 < 0 || x1 <= x0 {
			continue
		}
		ox := float32(x0)
		r.raster.Reset(x1-x0, height)
		r.raster.MoveTo(float32(q.X0*pr)-ox, float32(q.Y0*pr))
		r.raster.LineTo(float32(q.X1*pr)-ox, float32(q.Y1*pr))
		r.raster.LineTo(float32(q.X1*pr)-ox, float32(q.Y2*pr))
		r.raster.LineTo(float32(q.X0*pr)-ox, float32(q.Y3*pr))
		r.raster.ClosePath()
		src := image.NewUniform(color.NRGBA{R: q.R, G: q.G, B: q.B, A: a})
		r.raster.Draw(dst, image.Rect(x0, 0, x1, height), src, image.Point{})
	}
}

func drawSummaryBar(dst *image.RGBA, w, h, pr float64) {
	bar := math.Max(summaryMinHeight, math.Round(h*summaryHeightRatio))
	y := math.Round((h - bar) / 2)
	rect := image.Rect(0, int(math.Round(y*pr)), int(math.Floor(w*pr)), int(math.Round((y+bar)*pr)))
	draw.Draw(dst, rect, image.NewUniform(summaryColor), image.Point{}, draw.Over)
}

func drawPlaceholder(dst *image.RGBA, w, h, pr float64) {
	mid := h / 2 * pr
	y0 := int(math.Floor(mid - pr/2))
	y1 := max(y0+1, int(math.Ceil(mid+pr/2)))
	dash := placeholderDash * pr
	width := w * pr
	src := image.NewUniform(placeholderColor)
	for x := 0.0; x < width; x += dash * 2 {
		rect := image.Rect(int(math.Round(x)), y0, int(math.Round(math.Min(width, x+dash))), y1)
		draw.Draw(dst, rect, src, image.Point{}, draw.Over)
	}
}

func newCanvas(w, h, pr float64) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, max(1, int(math.Floor(w*pr))), max(1, int(math.Floor(h*pr)))))
}

func pixelRatio(pr float64) float64 {
	if !(pr > 0) || math.IsInf(pr, 0) {
		return 1
	}
	return pr
}

func alpha8(a float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(a*255))))
}
