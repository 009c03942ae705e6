package envelope

import "Bt1Mix/model"

// Set holds every normalized lane of one track plus its mute segments.
type Set struct {
	Lanes    map[model.EnvelopeParam]Envelope
	Mute     []model.MuteSegment
	Duration float64
}

// Resolve normalizes all lanes of a track against a timeline duration.
func Resolve(track *model.Track, duration float64) Set {
	set := Set{
		Lanes:    make(map[model.EnvelopeParam]Envelope, len(model.EnvelopeParams)),
		Duration: duration,
	}
	for _, param := range model.EnvelopeParams {
		set.Lanes[param] = Normalize(param, track.Envelope(param), duration)
	}
	set.Mute = NormalizeMuteSegments(track.VolumeMuteSegments, duration)
	return set
}

// Value samples a lane at a track-local offset. The offset is clamped into
// [0, Duration]; the volume lane honours mute segments.
func (s Set) Value(param model.EnvelopeParam, offset float64) float64 {
	safe := clamp(offset, 0, max(0, s.Duration))
	lane, ok := s.Lanes[param]
	if !ok {
		lane = Flat(param, s.Duration)
	}
	if param == model.ParamVolume {
		return VolumeAt(lane, s.Mute, safe)
	}
	return lane.SampleAt(safe, 1)
}

// EqDbAt samples an EQ lane and converts it to the filter gain in dB.
func (s Set) EqDbAt(param model.EnvelopeParam, offset float64) float64 {
	return EqDb(s.Value(param, offset))
}
