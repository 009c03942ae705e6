package tempo

import "math"

// BeatsPerBar is the length of the bar grid used by bar-beat offsets.
const BeatsPerBar = 32

// NormalizeBeatOffset rounds v and reduces it into [0, size).
func NormalizeBeatOffset(v float64, size int) int {
	if size <= 0 {
		size = BeatsPerBar
	}
	if !finite(v) {
		return 0
	}
	r := int(math.Round(v)) % size
	if r < 0 {
		r += size
	}
	return r
}

// BeatSec returns the beat period of bpm, or 0 when bpm is unusable.
func BeatSec(bpm float64) float64 {
	if !validBPM(bpm) {
		return 0
	}
	return 60 / bpm
}

// TempoRatio is target/original bpm clamped to the rate range. 1 when either is unusable.
func TempoRatio(target, original float64) float64 {
	if !validBPM(target) || !validBPM(original) {
		return 1
	}
	return clamp(target/original, MinRate, MaxRate)
}

// FirstBeatTimelineSec converts a first-beat offset inside the source into
// timeline seconds for a track played at ratio.
func FirstBeatTimelineSec(firstBeatMs, ratio float64) float64 {
	if !finite(firstBeatMs) || firstBeatMs <= 0 {
		return 0
	}
	if !finite(ratio) || ratio <= 0 {
		ratio = 1
	}
	return firstBeatMs / 1000 / ratio
}

// GridAnchorSec is the timeline time where the track's bar grid reads beat zero.
func GridAnchorSec(startSec, firstBeatSec, beatSec float64, barBeatOffset int) float64 {
	anchor := startSec + firstBeatSec
	if !finite(beatSec) || beatSec <= 0 {
		return anchor
	}
	return anchor + float64(NormalizeBeatOffset(float64(barBeatOffset), BeatsPerBar))*beatSec
}
