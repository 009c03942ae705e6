package analysis

import (
	"math"

	"Bt1Mix/core/waveform"
)

// ComputeRaw reduces pcm to per-bucket min/max at rate points per second.
// A rate above the sample rate is clamped to it.
func ComputeRaw(pcm *PCM, rate float64) *waveform.RawData {
	if pcm == nil || pcm.SampleRate <= 0 || len(pcm.Samples) == 0 {
		return nil
	}
	sr := float64(pcm.SampleRate)
	if !(rate > 0) || math.IsInf(rate, 0) {
		rate = waveform.RawTargetRate
	}
	rate = math.Min(rate, sr)
	stride := sr / rate
	total := len(pcm.Samples)
	frames := int(math.Ceil(float64(total) / stride))

	raw := &waveform.RawData{
		Duration:   pcm.Duration(),
		SampleRate: sr,
		Rate:       rate,
		Frames:     frames,
		MinLeft:    make([]float32, frames),
		MaxLeft:    make([]float32, frames),
		MinRight:   make([]float32, frames),
		MaxRight:   make([]float32, frames),
	}
	for i := 0; i < frames; i++ {
		start := int(math.Floor(float64(i) * stride))
		end := min(total, int(math.Floor(float64(i+1)*stride)))
		if end <= start {
			end = min(total, start+1)
		}
		minL, maxL := math.Inf(1), math.Inf(-1)
		minR, maxR := math.Inf(1), math.Inf(-1)
		for _, s := range pcm.Samples[start:end] {
			minL, maxL = math.Min(minL, s[0]), math.Max(maxL, s[0])
			minR, maxR = math.Min(minR, s[1]), math.Max(maxR, s[1])
		}
		raw.MinLeft[i], raw.MaxLeft[i] = float32(minL), float32(maxL)
		raw.MinRight[i], raw.MaxRight[i] = float32(minR), float32(maxR)
	}
	return raw
}
