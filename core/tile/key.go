package tile

import (
	"fmt"
	"math"

	"Bt1Mix/core/waveform"
)

// Key identifies one rendered tile bitmap.
type Key struct {
	FilePath    string
	TileIndex   int
	ZoomBucket  int
	Width       int
	Height      int
	RatioBucket int
}

// NewKey buckets zoom to thousandths and pixel ratio to hundredths.
func NewKey(filePath string, tileIndex int, zoom float64, width, height int, pixelRatio float64) Key {
	return Key{
		FilePath:    filePath,
		TileIndex:   tileIndex,
		ZoomBucket:  int(math.Round(zoom * 1000)),
		Width:       width,
		Height:      height,
		RatioBucket: int(math.Round(pixelRatio * 100)),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s::%d::%d::%dx%d@%d", k.FilePath, k.TileIndex, k.ZoomBucket, k.Width, k.Height, k.RatioBucket)
}

// Payload is everything a renderer needs for one tile.
type Payload struct {
	CacheKey    string  `json:"cacheKey"`
	FilePath    string  `json:"filePath"`
	Zoom        float64 `json:"zoom"`
	TileIndex   int     `json:"tileIndex"`
	TileStart   int     `json:"tileStart"`
	TileWidth   int     `json:"tileWidth"`
	TrackWidth  int     `json:"trackWidth"`
	DurationSec float64 `json:"durationSeconds"`
	LaneHeight  int     `json:"laneHeight"`
	PixelRatio  float64 `json:"pixelRatio"`
}

// NewPayload lays out tile tileIndex of a track at zoom. ok is false for an index past the end.
func NewPayload(filePath string, tileIndex int, zoom, durationSec float64, laneHeight int, pixelRatio float64) (Payload, bool) {
	trackWidth := waveform.TrackWidth(durationSec, zoom)
	start, width := waveform.TileSpan(trackWidth, tileIndex)
	if width <= 0 || laneHeight <= 0 {
		return Payload{}, false
	}
	if !(pixelRatio > 0) {
		pixelRatio = 1
	}
	key := NewKey(filePath, tileIndex, zoom, width, laneHeight, pixelRatio)
	return Payload{
		CacheKey:    key.String(),
		FilePath:    filePath,
		Zoom:        zoom,
		TileIndex:   tileIndex,
		TileStart:   start,
		TileWidth:   width,
		TrackWidth:  trackWidth,
		DurationSec: durationSec,
		LaneHeight:  laneHeight,
		PixelRatio:  pixelRatio,
	}, true
}
