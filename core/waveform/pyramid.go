package waveform

import "math"

const (
	pyramidMinFrames = 256
	pyramidMaxLevels = 8
	pickMaxFactor    = 128
)

// RawLevel is one level of the raw pyramid. Factor is the decimation relative to level 0.
type RawLevel struct {
	RawData
	Factor int
}

// BuildPyramid halves the raw data until it is small enough or eight levels exist.
// Every level keeps the duration and sample rate of the source.
func BuildPyramid(raw *RawData) []*RawLevel {
	if raw == nil {
		return nil
	}
	base := &RawLevel{RawData: *raw, Factor: 1}
	levels := []*RawLevel{base}
	cur := base
	for cur.Frames > pyramidMinFrames && len(levels) < pyramidMaxLevels {
		n := cur.Frames / 2
		if n <= 1 {
			break
		}
		next := &RawLevel{
			RawData: RawData{
				Duration:   cur.Duration,
				SampleRate: cur.SampleRate,
				Rate:       cur.Rate / 2,
				Frames:     n,
				MinLeft:    make([]float32, n),
				MaxLeft:    make([]float32, n),
				MinRight:   make([]float32, n),
				MaxRight:   make([]float32, n),
			},
			Factor: cur.Factor * 2,
		}
		for i := 0; i < n; i++ {
			i0 := i * 2
			i1 := min(cur.Frames-1, i0+1)
			next.MinLeft[i] = float32(math.Min(at32(cur.MinLeft, i0), at32(cur.MinLeft, i1)))
			next.MaxLeft[i] = float32(math.Max(at32(cur.MaxLeft, i0), at32(cur.MaxLeft, i1)))
			next.MinRight[i] = float32(math.Min(at32(cur.MinRight, i0), at32(cur.MinRight, i1)))
			next.MaxRight[i] = float32(math.Max(at32(cur.MaxRight, i0), at32(cur.MaxRight, i1)))
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// PickLevel chooses the level whose factor is closest to the largest power of two
// not above samplesPerPixel, capped at 128. Ties keep the finer level.
func PickLevel(levels []*RawLevel, samplesPerPixel float64) *RawLevel {
	if len(levels) == 0 {
		return nil
	}
	if math.IsNaN(samplesPerPixel) || math.IsInf(samplesPerPixel, 0) || samplesPerPixel <= 1 {
		return levels[0]
	}
	target := 1
	for float64(target*2) <= samplesPerPixel && target < pickMaxFactor {
		target *= 2
	}
	best := levels[0]
	bestDiff := absInt(best.Factor - target)
	for _, level := range levels[1:] {
		if d := absInt(level.Factor - target); d < bestDiff {
			best, bestDiff = level, d
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
