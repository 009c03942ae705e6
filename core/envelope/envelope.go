package envelope

import (
	"math"
	"sort"

	"Bt1Mix/model"
)

const (
	// MinGain floors every gain so dB conversion never reaches -Inf.
	MinGain = 0.0001
	// MaxGain is the ceiling for gain and EQ lanes.
	MaxGain = 16.0
	// VolumeMaxGain is the ceiling for the volume lane.
	VolumeMaxGain = 1.0

	KnobMinDb = -26.0
	KnobMaxDb = 12.0

	timeEpsilon = 0.0001
)

// Range is the allowed linear gain span of one lane.
type Range struct {
	Min     float64
	Max     float64
	Default float64
}

// RangeOf returns the gain range of a lane.
func RangeOf(param model.EnvelopeParam) Range {
	if param == model.ParamVolume {
		return Range{Min: MinGain, Max: VolumeMaxGain, Default: 1}
	}
	return Range{Min: MinGain, Max: MaxGain, Default: 1}
}

// Clamp clamps g into the lane range, using the default for zero or invalid values.
func (r Range) Clamp(g float64) float64 {
	if g == 0 || math.IsNaN(g) || math.IsInf(g, 0) {
		g = r.Default
	}
	return clamp(g, r.Min, r.Max)
}

// Envelope is a normalized piecewise-linear automation curve.
// Points are strictly increasing in time, start at 0 and end at the
// duration the envelope was normalized against.
type Envelope struct {
	Param  model.EnvelopeParam
	Points []model.GainPoint
}

// Flat builds a two-point envelope holding the lane's default gain.
func Flat(param model.EnvelopeParam, duration float64) Envelope {
	r := RangeOf(param)
	d := math.Max(0, finiteOr(duration, 0))
	if d <= timeEpsilon {
		return Envelope{Param: param, Points: []model.GainPoint{{Sec: 0, Gain: r.Default}}}
	}
	return Envelope{
		Param:  param,
		Points: []model.GainPoint{{Sec: 0, Gain: r.Default}, {Sec: d, Gain: r.Default}},
	}
}

// Normalize cleans raw edit points against a duration.
//
// Invalid points are dropped, equal timestamps collapse with the last write
// winning, and synthetic points are added at 0 and at duration. An empty
// input yields a flat envelope.
func Normalize(param model.EnvelopeParam, points []model.GainPoint, duration float64) Envelope {
	r := RangeOf(param)
	safeDuration := math.Max(0, finiteOr(duration, 0))

	cleaned := make([]model.GainPoint, 0, len(points))
	for _, p := range points {
		if !finite(p.Sec) || p.Sec < 0 {
			continue
		}
		if !finite(p.Gain) || p.Gain <= 0 {
			continue
		}
		cleaned = append(cleaned, model.GainPoint{
			Sec:  roundTo(p.Sec, 4),
			Gain: clamp(roundTo(p.Gain, 6), r.Min, r.Max),
		})
	}
	if len(cleaned) == 0 {
		return Flat(param, safeDuration)
	}

	sort.SliceStable(cleaned, func(i, j int) bool { return cleaned[i].Sec < cleaned[j].Sec })

	unique := make([]model.GainPoint, 0, len(cleaned))
	for _, p := range cleaned {
		if n := len(unique); n > 0 && math.Abs(unique[n-1].Sec-p.Sec) <= timeEpsilon {
			unique[n-1].Gain = p.Gain
			continue
		}
		unique = append(unique, p)
	}

	if unique[0].Sec > timeEpsilon {
		unique = append([]model.GainPoint{{Sec: 0, Gain: unique[0].Gain}}, unique...)
	} else {
		unique[0].Sec = 0
	}

	last := unique[len(unique)-1]
	switch {
	case safeDuration-last.Sec > timeEpsilon:
		unique = append(unique, model.GainPoint{Sec: safeDuration, Gain: last.Gain})
	case len(unique) > 1:
		unique = snapTail(unique, safeDuration)
	}
	return Envelope{Param: param, Points: unique}
}

// snapTail moves the last point onto duration, dropping earlier points that
// would no longer be strictly before it.
func snapTail(points []model.GainPoint, duration float64) []model.GainPoint {
	lastGain := points[len(points)-1].Gain
	out := points[:0]
	for _, p := range points[:len(points)-1] {
		if p.Sec >= duration-timeEpsilon && len(out) > 0 {
			continue
		}
		out = append(out, p)
	}
	if n := len(out); n > 0 && out[n-1].Sec >= duration {
		out[n-1].Gain = lastGain
		return out
	}
	return append(out, model.GainPoint{Sec: duration, Gain: lastGain})
}

// SampleAt returns the interpolated gain at t, clamped to the lane range.
// Outside the envelope the boundary gain is returned; an empty envelope yields fallback.
func (e Envelope) SampleAt(t float64, fallback float64) float64 {
	return RangeOf(e.Param).Clamp(sample(e.Points, t, fallback))
}

func sample(points []model.GainPoint, t float64, fallback float64) float64 {
	if len(points) == 0 {
		return fallback
	}
	sec := math.Max(0, finiteOr(t, 0))
	if sec <= points[0].Sec {
		return points[0].Gain
	}
	last := points[len(points)-1]
	if sec >= last.Sec {
		return last.Gain
	}
	// first index with Sec >= sec
	i := sort.Search(len(points), func(i int) bool { return points[i].Sec >= sec })
	next := points[i]
	if next.Sec == sec {
		return next.Gain
	}
	prev := points[i-1]
	span := math.Max(timeEpsilon, next.Sec-prev.Sec)
	ratio := clamp((sec-prev.Sec)/span, 0, 1)
	return prev.Gain + (next.Gain-prev.Gain)*ratio
}

// Duration is the time of the last point.
func (e Envelope) Duration() float64 {
	if len(e.Points) == 0 {
		return 0
	}
	return e.Points[len(e.Points)-1].Sec
}

// GainToDb converts a linear gain to decibels with an epsilon floor.
func GainToDb(gain float64) float64 {
	return 20 * math.Log10(math.Max(MinGain, gain))
}

// DbToGain converts decibels to a linear gain.
func DbToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// EqDb converts an EQ lane gain to the filter gain in dB, clamped to the knob range.
func EqDb(gain float64) float64 {
	return clamp(GainToDb(gain), KnobMinDb, KnobMaxDb)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOr(v, fallback float64) float64 {
	if !finite(v) {
		return fallback
	}
	return v
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
