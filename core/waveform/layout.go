package waveform

import "math"

// Timeline layout
const (
	BasePxPerSec       = 80.0
	MixtapeWidthScale  = 0.1
	MinTrackWidth      = 6
	FallbackTrackWidth = 12
	ZoomMin            = 0.1
	ZoomMax            = 3.0
	TileWidth          = 1200

	// RawTargetRate is the min/max resolution requested from analysis.
	RawTargetRate = 2400
	// RawMinZoom is the zoom from which the raw path replaces the band heights.
	RawMinZoom = 0.1
	// SummaryZoom and below render a flat summary bar.
	SummaryZoom = 0.0

	WaveformBatchSize = 6
	RawBatchSize      = 3

	// PreRenderRangeBuffer widens the pre-render window around the viewport.
	PreRenderRangeBuffer = 1.2

	// HeightScale is the share of the lane half-height a full-scale column uses.
	HeightScale = 1.0
)

// ClampZoom limits zoom to [ZoomMin, ZoomMax]. Non-finite input maps to 1.
func ClampZoom(zoom float64) float64 {
	if math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return 1
	}
	return math.Max(ZoomMin, math.Min(ZoomMax, zoom))
}

// PxPerSec is the render scale at the given zoom.
func PxPerSec(zoom float64) float64 {
	return BasePxPerSec * MixtapeWidthScale * ClampZoom(zoom)
}

// TrackWidth is the lane width of a track in pixels. Unknown durations get a fallback width.
func TrackWidth(durationSec, zoom float64) int {
	if math.IsNaN(durationSec) || math.IsInf(durationSec, 0) || durationSec <= 0 {
		return FallbackTrackWidth
	}
	return max(MinTrackWidth, int(math.Round(durationSec*PxPerSec(zoom))))
}

// TileCount is the number of TileWidth tiles covering a track.
func TileCount(trackWidth int) int {
	if trackWidth <= 0 {
		return 0
	}
	return (trackWidth + TileWidth - 1) / TileWidth
}

// TileSpan returns the pixel start and width of a tile; the last tile is narrower.
func TileSpan(trackWidth, index int) (start, width int) {
	start = index * TileWidth
	if start >= trackWidth || index < 0 {
		return start, 0
	}
	return start, min(TileWidth, trackWidth-start)
}

// VisibleTiles lists the tile indexes of a track intersecting [viewStart, viewEnd)
// in lane-local pixels.
func VisibleTiles(trackWidth int, viewStart, viewEnd float64) []int {
	n := TileCount(trackWidth)
	if n == 0 || viewEnd <= viewStart {
		return nil
	}
	first := max(0, int(math.Floor(viewStart/TileWidth)))
	last := min(n-1, int(math.Floor((viewEnd-1e-9)/TileWidth)))
	if last < first {
		return nil
	}
	out := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}
