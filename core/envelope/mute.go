package envelope

import (
	"math"
	"sort"

	"Bt1Mix/model"
)

// MuteGain is applied instead of the volume envelope inside a mute segment.
// It is not zero so that un-muting ramps from near silence without a click.
const MuteGain = 0.0001

// NormalizeMuteSegments clamps segments to [0, duration], drops empty ones and
// merges overlaps so the result is sorted and non-overlapping.
// A negative or non-finite duration leaves the end unbounded.
func NormalizeMuteSegments(segments []model.MuteSegment, duration float64) []model.MuteSegment {
	limit := math.Inf(1)
	if finite(duration) && duration >= 0 {
		limit = duration
	}
	cleaned := make([]model.MuteSegment, 0, len(segments))
	for _, s := range segments {
		if !finite(s.StartSec) || !finite(s.EndSec) {
			continue
		}
		start := math.Max(0, s.StartSec)
		end := math.Min(limit, s.EndSec)
		if end-start <= timeEpsilon {
			continue
		}
		cleaned = append(cleaned, model.MuteSegment{StartSec: roundTo(start, 4), EndSec: roundTo(end, 4)})
	}
	if len(cleaned) == 0 {
		return nil
	}
	sort.Slice(cleaned, func(i, j int) bool {
		if math.Abs(cleaned[i].StartSec-cleaned[j].StartSec) > timeEpsilon {
			return cleaned[i].StartSec < cleaned[j].StartSec
		}
		return cleaned[i].EndSec < cleaned[j].EndSec
	})
	merged := cleaned[:1]
	for _, s := range cleaned[1:] {
		last := &merged[len(merged)-1]
		if s.StartSec <= last.EndSec+timeEpsilon {
			if s.EndSec > last.EndSec {
				last.EndSec = s.EndSec
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// IsMuted reports whether t falls inside one of the normalized segments.
func IsMuted(segments []model.MuteSegment, t float64) bool {
	if len(segments) == 0 || !finite(t) || t < 0 {
		return false
	}
	// last segment starting at or before t
	i := sort.Search(len(segments), func(i int) bool {
		return segments[i].StartSec-timeEpsilon > t
	}) - 1
	if i < 0 {
		return false
	}
	s := segments[i]
	return t >= s.StartSec-timeEpsilon && t < s.EndSec-timeEpsilon
}

// VolumeAt samples the volume lane, substituting MuteGain inside a mute segment.
func VolumeAt(volume Envelope, segments []model.MuteSegment, t float64) float64 {
	if IsMuted(segments, t) {
		return MuteGain
	}
	return volume.SampleAt(t, 1)
}
