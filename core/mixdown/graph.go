package mixdown

import (
	"math"

	"Bt1Mix/core/analysis"
	"Bt1Mix/core/dsp"
	"Bt1Mix/core/tempo"
	"Bt1Mix/core/transport"

	"github.com/gopxl/beep/v2"
)

const (
	eqLowHz    = 220.0
	eqMidHz    = 1000.0
	eqMidQ     = 0.9
	eqHighHz   = 3200.0
	resampleQ  = 4
	numChannel = 2
)

// TrackVoice is the per-track chain of the mix graph:
// buffer -> resampler -> low shelf -> peaking -> high shelf -> volume -> gain.
// It is also the transport.Voice the scheduler drives.
type TrackVoice struct {
	entry   *transport.Entry
	srcRate float64
	outRate float64

	rate   *AudioParam
	eqLow  *AudioParam
	eqMid  *AudioParam
	eqHigh *AudioParam
	volume *AudioParam
	gain   *AudioParam

	resampler *beep.Resampler
	low       *dsp.Biquad
	mid       *dsp.Biquad
	high      *dsp.Biquad
	stream    beep.Streamer
}

// PCMBuffer copies decoded audio into a beep.Buffer.
func PCMBuffer(pcm *analysis.PCM) *beep.Buffer {
	format := beep.Format{SampleRate: beep.SampleRate(pcm.SampleRate), NumChannels: numChannel, Precision: 2}
	buf := beep.NewBuffer(format)
	pos := 0
	buf.Append(beep.StreamerFunc(func(samples [][2]float64) (n int, ok bool) {
		if pos >= len(pcm.Samples) {
			return 0, false
		}
		n = copy(samples, pcm.Samples[pos:])
		pos += n
		return n, true
	}))
	return buf
}

// NewTrackVoice builds the chain for entry, delayed to its start time.
func NewTrackVoice(entry *transport.Entry, buf *beep.Buffer, outRate float64) *TrackVoice {
	return NewTrackVoiceAt(entry, buf, outRate, 0)
}

// NewTrackVoiceAt builds the chain for a graph whose first pulled frame is
// at fromSec. An entry already playing at fromSec starts inside its source.
func NewTrackVoiceAt(entry *transport.Entry, buf *beep.Buffer, outRate, fromSec float64) *TrackVoice {
	local := math.Max(0, fromSec-entry.StartSec)
	initial := entry.MixAt(local)
	baseRate := math.Max(tempo.MinRate, math.Min(tempo.MaxRate, entry.TempoRatio))
	v := &TrackVoice{
		entry:   entry,
		srcRate: float64(buf.Format().SampleRate),
		outRate: outRate,
		rate:    NewAudioParam(baseRate),
		eqLow:   NewAudioParam(initial.EqLowDb),
		eqMid:   NewAudioParam(initial.EqMidDb),
		eqHigh:  NewAudioParam(initial.EqHighDb),
		volume:  NewAudioParam(initial.Volume),
		gain:    NewAudioParam(initial.Gain),
		low:     dsp.NewBiquad(dsp.Lowshelf, outRate, eqLowHz, dsp.DefaultQ, initial.EqLowDb),
		mid:     dsp.NewBiquad(dsp.Peaking, outRate, eqMidHz, eqMidQ, initial.EqMidDb),
		high:    dsp.NewBiquad(dsp.Highshelf, outRate, eqHighHz, dsp.DefaultQ, initial.EqHighDb),
	}
	src := buf.Streamer(0, buf.Len())
	if local > 0 {
		// 区间内的 Seek 不会失败
		_ = src.Seek(min(buf.Len(), int(local*baseRate*v.srcRate)))
	}
	v.resampler = beep.ResampleRatio(resampleQ, v.ratioFor(baseRate), src)
	chain := v.process(v.resampler)
	startFrames := int(math.Round((entry.StartSec - fromSec) * outRate))
	if startFrames > 0 {
		v.stream = beep.Seq(beep.Silence(startFrames), chain)
	} else {
		v.stream = chain
	}
	return v
}

func (v *TrackVoice) ratioFor(rate float64) float64 {
	return rate * v.srcRate / v.outRate
}

// process applies EQ, volume and gain at the current k-rate values.
func (v *TrackVoice) process(src beep.Streamer) beep.Streamer {
	return beep.StreamerFunc(func(samples [][2]float64) (n int, ok bool) {
		n, ok = src.Stream(samples)
		amp := v.volume.Value() * v.gain.Value()
		for i := range samples[:n] {
			l, r := samples[i][0], samples[i][1]
			l = v.high.Process(0, v.mid.Process(0, v.low.Process(0, l)))
			r = v.high.Process(1, v.mid.Process(1, v.low.Process(1, r)))
			samples[i][0] = l * amp
			samples[i][1] = r * amp
		}
		return n, ok
	})
}

// advance moves every parameter to t and pushes the values into the chain.
func (v *TrackVoice) advance(t float64) {
	rate := math.Max(tempo.MinRate, math.Min(tempo.MaxRate, v.rate.Advance(t)))
	v.resampler.SetRatio(v.ratioFor(rate))
	v.low.SetGainDb(v.eqLow.Advance(t))
	v.mid.SetGainDb(v.eqMid.Advance(t))
	v.high.SetGainDb(v.eqHigh.Advance(t))
	v.volume.Advance(t)
	v.gain.Advance(t)
}

// Rate is the last scheduled playback rate.
func (v *TrackVoice) Rate() float64 { return v.rate.LastTarget() }

// SetTarget records an automation event.
func (v *TrackVoice) SetTarget(param transport.Param, value, atSec, timeConstant float64) {
	if p := v.param(param); p != nil {
		p.SetTargetAtTime(value, atSec, timeConstant)
	}
}

func (v *TrackVoice) param(param transport.Param) *AudioParam {
	switch param {
	case transport.ParamRate:
		return v.rate
	case transport.ParamEqLow:
		return v.eqLow
	case transport.ParamEqMid:
		return v.eqMid
	case transport.ParamEqHigh:
		return v.eqHigh
	case transport.ParamVolume:
		return v.volume
	case transport.ParamGain:
		return v.gain
	}
	return nil
}

func (v *TrackVoice) events() int {
	return v.rate.Events() + v.eqLow.Events() + v.eqMid.Events() + v.eqHigh.Events() +
		v.volume.Events() + v.gain.Events()
}

// Graph mixes all voices. Offline it is pulled by Bounce; the live engine
// pulls it from the audio output.
type Graph struct {
	voices  []*TrackVoice
	mixer   *beep.Mixer
	outRate float64
}

// NewGraph mixes voices at outRate.
func NewGraph(voices []*TrackVoice, outRate float64) *Graph {
	mixer := &beep.Mixer{}
	for _, v := range voices {
		mixer.Add(v.stream)
	}
	return &Graph{voices: voices, mixer: mixer, outRate: outRate}
}

// Pull renders the next quantum starting at frame into dst. Frames the
// mixer does not fill are silent.
func (g *Graph) Pull(frame int, dst [][2]float64) {
	t := float64(frame) / g.outRate
	for _, v := range g.voices {
		v.advance(t)
	}
	n, _ := g.mixer.Stream(dst)
	for i := n; i < len(dst); i++ {
		dst[i] = [2]float64{}
	}
}

// OutRate is the output sample rate.
func (g *Graph) OutRate() float64 { return g.outRate }
