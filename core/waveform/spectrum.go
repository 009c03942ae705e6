package waveform

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// LowBandMaxHz is the top of the low band.
	LowBandMaxHz = 600.0
	// HighBandMinHz is the bottom of the high band.
	HighBandMinHz = 4000.0

	minSpectralSamples = 8
)

// BandSplits returns the low/mid and mid/high split frequencies at
// sampleRate, each held below 90% of nyquist.
func BandSplits(sampleRate float64) (low, high float64) {
	nyq := sampleRate / 2
	return math.Min(LowBandMaxHz, nyq*0.9), math.Min(HighBandMinHz, nyq*0.9)
}

// SpectralColor maps the low/mid/high energy of a short window to an RGB color,
// using the band data's split frequencies. ok is false for silent or too short input.
func SpectralColor(samples []float64, sampleRate float64) (r, g, b uint8, ok bool) {
	n := len(samples)
	if n < minSpectralSamples || !(sampleRate > 0) {
		return 0, 0, 0, false
	}
	win := hann(n)
	buf := make([]float64, n)
	for i, s := range samples {
		buf[i] = s * win[i]
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, buf)

	lowHz, highHz := BandSplits(sampleRate)
	var low, mid, high float64
	// 跳过直流分量
	for k := 1; k < len(coeffs); k++ {
		freq := fft.Freq(k) * sampleRate
		c := coeffs[k]
		power := real(c)*real(c) + imag(c)*imag(c)
		switch {
		case freq < lowHz:
			low += power
		case freq < highHz:
			mid += power
		default:
			high += power
		}
	}
	low, mid, high = math.Sqrt(low), math.Sqrt(mid), math.Sqrt(high)
	peak := math.Max(low, math.Max(mid, high))
	if peak <= 0 || math.IsNaN(peak) {
		return 0, 0, 0, false
	}
	return toChannel(low / peak * 255), toChannel(mid / peak * 255), toChannel(high / peak * 255), true
}

func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
