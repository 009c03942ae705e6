// Package dsp holds the small filter kernels shared by the mixdown graph and
// the waveform analysis.
package dsp

import "math"

// FilterType selects the RBJ cookbook response of a Biquad.
type FilterType int

const (
	Lowpass FilterType = iota
	Highpass
	Bandpass
	Peaking
	Lowshelf
	Highshelf
)

// Default Q for the shelving filters (slope 1) and the pass filters.
const DefaultQ = 1 / math.Sqrt2

// Coefficients are normalized biquad coefficients (a0 == 1).
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Design computes RBJ cookbook coefficients.
func Design(kind FilterType, sampleRate, freq, q, gainDb float64) Coefficients {
	if sampleRate <= 0 {
		return Coefficients{B0: 1}
	}
	nyquist := sampleRate / 2
	freq = math.Max(1, math.Min(freq, nyquist*0.999))
	if q <= 0 || math.IsNaN(q) {
		q = DefaultQ
	}
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)
	a := math.Pow(10, gainDb/40)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case Lowpass:
		b0 = (1 - cosW) / 2
		b1 = 1 - cosW
		b2 = (1 - cosW) / 2
		a0 = 1 + alpha
		a1 = -2 * cosW
		a2 = 1 - alpha
	case Highpass:
		b0 = (1 + cosW) / 2
		b1 = -(1 + cosW)
		b2 = (1 + cosW) / 2
		a0 = 1 + alpha
		a1 = -2 * cosW
		a2 = 1 - alpha
	case Bandpass:
		// constant 0 dB peak gain
		b0 = alpha
		b1 = 0
		b2 = -alpha
		a0 = 1 + alpha
		a1 = -2 * cosW
		a2 = 1 - alpha
	case Peaking:
		b0 = 1 + alpha*a
		b1 = -2 * cosW
		b2 = 1 - alpha*a
		a0 = 1 + alpha/a
		a1 = -2 * cosW
		a2 = 1 - alpha/a
	case Lowshelf:
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) - (a-1)*cosW + sq)
		b1 = 2 * a * ((a - 1) - (a+1)*cosW)
		b2 = a * ((a + 1) - (a-1)*cosW - sq)
		a0 = (a + 1) + (a-1)*cosW + sq
		a1 = -2 * ((a - 1) + (a+1)*cosW)
		a2 = (a + 1) + (a-1)*cosW - sq
	case Highshelf:
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) + (a-1)*cosW + sq)
		b1 = -2 * a * ((a - 1) + (a+1)*cosW)
		b2 = a * ((a + 1) + (a-1)*cosW - sq)
		a0 = (a + 1) - (a-1)*cosW + sq
		a1 = 2 * ((a - 1) - (a+1)*cosW)
		a2 = (a + 1) - (a-1)*cosW - sq
	default:
		return Coefficients{B0: 1}
	}
	return Coefficients{B0: b0 / a0, B1: b1 / a0, B2: b2 / a0, A1: a1 / a0, A2: a2 / a0}
}

// Biquad is a stereo direct form I filter.
type Biquad struct {
	Kind       FilterType
	SampleRate float64
	Freq       float64
	Q          float64

	gainDb float64
	c      Coefficients
	x1, x2 [2]float64
	y1, y2 [2]float64
}

// NewBiquad creates a filter with the given response and initial gain.
func NewBiquad(kind FilterType, sampleRate, freq, q, gainDb float64) *Biquad {
	b := &Biquad{Kind: kind, SampleRate: sampleRate, Freq: freq, Q: q, gainDb: gainDb}
	b.c = Design(kind, sampleRate, freq, q, gainDb)
	return b
}

// GainDb is the current shelf/peak gain.
func (b *Biquad) GainDb() float64 { return b.gainDb }

// SetGainDb recomputes the coefficients when the gain changes. State is kept so
// the change does not click.
func (b *Biquad) SetGainDb(db float64) {
	if db == b.gainDb {
		return
	}
	b.gainDb = db
	b.c = Design(b.Kind, b.SampleRate, b.Freq, b.Q, db)
}

// Process filters one sample of channel ch (0 or 1).
func (b *Biquad) Process(ch int, x float64) float64 {
	c := b.c
	y := c.B0*x + c.B1*b.x1[ch] + c.B2*b.x2[ch] - c.A1*b.y1[ch] - c.A2*b.y2[ch]
	b.x2[ch], b.x1[ch] = b.x1[ch], x
	b.y2[ch], b.y1[ch] = b.y1[ch], y
	return y
}

// ProcessStereo filters a block of stereo frames in place.
func (b *Biquad) ProcessStereo(samples [][2]float64) {
	for i := range samples {
		samples[i][0] = b.Process(0, samples[i][0])
		samples[i][1] = b.Process(1, samples[i][1])
	}
}

// ProcessMono filters a mono block in place using channel 0 state.
func (b *Biquad) ProcessMono(samples []float64) {
	for i, x := range samples {
		samples[i] = b.Process(0, x)
	}
}

// Reset clears the filter history.
func (b *Biquad) Reset() {
	b.x1, b.x2, b.y1, b.y2 = [2]float64{}, [2]float64{}, [2]float64{}, [2]float64{}
}

// MagnitudeAt returns |H(f)| of the current coefficients.
func (b *Biquad) MagnitudeAt(freq float64) float64 {
	return b.c.MagnitudeAt(freq, b.SampleRate)
}

// MagnitudeAt returns |H(f)| for coefficients designed at sampleRate.
func (c Coefficients) MagnitudeAt(freq, sampleRate float64) float64 {
	w := 2 * math.Pi * freq / sampleRate
	// z^-1 = e^{-jw}
	cos1, sin1 := math.Cos(w), math.Sin(w)
	cos2, sin2 := math.Cos(2*w), math.Sin(2*w)
	numRe := c.B0 + c.B1*cos1 + c.B2*cos2
	numIm := -(c.B1*sin1 + c.B2*sin2)
	denRe := 1 + c.A1*cos1 + c.A2*cos2
	denIm := -(c.A1*sin1 + c.A2*sin2)
	return math.Hypot(numRe, numIm) / math.Hypot(denRe, denIm)
}
