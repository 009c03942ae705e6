package analysis

import (
	"math"

	"Bt1Mix/core/dsp"
	"Bt1Mix/core/waveform"
)

const (
	// PointsPerSecond is the band data resolution.
	PointsPerSecond = 441.0
	highScaleExp    = 0.632
)

type bandKind int

const (
	bandLow bandKind = iota
	bandMid
	bandHigh
	bandAll
)

// bandFilter 四阶滤波，两级二阶级联
type bandFilter struct {
	stages []*dsp.Biquad
}

func newBandFilter(kind bandKind, sampleRate float64) *bandFilter {
	lowHz, highHz := waveform.BandSplits(sampleRate)
	f := &bandFilter{}
	switch kind {
	case bandLow:
		f.stages = []*dsp.Biquad{
			dsp.NewBiquad(dsp.Lowpass, sampleRate, lowHz, dsp.DefaultQ, 0),
			dsp.NewBiquad(dsp.Lowpass, sampleRate, lowHz, dsp.DefaultQ, 0),
		}
	case bandMid:
		f.stages = []*dsp.Biquad{
			dsp.NewBiquad(dsp.Highpass, sampleRate, lowHz, dsp.DefaultQ, 0),
			dsp.NewBiquad(dsp.Lowpass, sampleRate, highHz, dsp.DefaultQ, 0),
		}
	case bandHigh:
		f.stages = []*dsp.Biquad{
			dsp.NewBiquad(dsp.Highpass, sampleRate, highHz, dsp.DefaultQ, 0),
			dsp.NewBiquad(dsp.Highpass, sampleRate, highHz, dsp.DefaultQ, 0),
		}
	}
	return f
}

func (f *bandFilter) process(ch int, x float64) float64 {
	for _, s := range f.stages {
		x = s.Process(ch, x)
	}
	return x
}

// ComputeBands derives the four-band waveform of pcm at PointsPerSecond.
// Each output frame holds the average and the max of the per-stride peaks.
func ComputeBands(pcm *PCM) *waveform.BandData {
	return ComputeBandsAt(pcm, PointsPerSecond)
}

// ComputeBandsAt is ComputeBands with an explicit visual rate. The analysis
// stride never gets coarser than PointsPerSecond.
func ComputeBandsAt(pcm *PCM, visualRate float64) *waveform.BandData {
	if pcm == nil || pcm.SampleRate <= 0 || len(pcm.Samples) == 0 {
		return nil
	}
	sr := float64(pcm.SampleRate)
	if !(visualRate > 0) || math.IsInf(visualRate, 0) {
		visualRate = PointsPerSecond
	}
	visualRate = math.Min(visualRate, sr)
	analysisRate := math.Max(visualRate, PointsPerSecond)
	mainStride := sr / analysisRate
	summaryStride := sr / visualRate

	return &waveform.BandData{
		Duration:   pcm.Duration(),
		SampleRate: sr,
		Step:       summaryStride,
		Low:        downsampleBand(pcm.Samples, bandLow, sr, mainStride, summaryStride),
		Mid:        downsampleBand(pcm.Samples, bandMid, sr, mainStride, summaryStride),
		High:       downsampleBand(pcm.Samples, bandHigh, sr, mainStride, summaryStride),
		All:        downsampleBand(pcm.Samples, bandAll, sr, mainStride, summaryStride),
	}
}

func downsampleBand(samples [][2]float64, kind bandKind, sr, mainStride, summaryStride float64) waveform.Band {
	expected := int(math.Floor(float64(len(samples))/summaryStride)) + 1
	out := waveform.Band{
		Left:      make([]uint8, 0, expected),
		Right:     make([]uint8, 0, expected),
		PeakLeft:  make([]uint8, 0, expected),
		PeakRight: make([]uint8, 0, expected),
	}
	filter := newBandFilter(kind, sr)

	var (
		position            float64
		nextMain            = mainStride
		nextSummary         = summaryStride
		peakL, peakR        float64
		avgL, avgR, divisor float64
		peakMaxL, peakMaxR  float64
	)
	for _, s := range samples {
		l, r := s[0], s[1]
		if kind != bandAll {
			l, r = filter.process(0, l), filter.process(1, r)
		}
		peakL = math.Max(peakL, math.Abs(l))
		peakR = math.Max(peakR, math.Abs(r))
		position++

		if position >= nextMain {
			peakMaxL = math.Max(peakMaxL, peakL)
			peakMaxR = math.Max(peakMaxR, peakR)
			avgL += peakL
			avgR += peakR
			divisor++
			peakL, peakR = 0, 0
			nextMain += mainStride
		}
		if position >= nextSummary {
			vl, vr, pl, pr := peakL, peakR, peakL, peakR
			if divisor > 0 {
				vl, vr = avgL/divisor, avgR/divisor
				pl, pr = peakMaxL, peakMaxR
			}
			out.Left = append(out.Left, scaleBandValue(vl, kind))
			out.Right = append(out.Right, scaleBandValue(vr, kind))
			out.PeakLeft = append(out.PeakLeft, scaleBandValue(pl, kind))
			out.PeakRight = append(out.PeakRight, scaleBandValue(pr, kind))
			avgL, avgR, divisor = 0, 0, 0
			peakMaxL, peakMaxR = 0, 0
			nextSummary += summaryStride
		}
	}

	out.Left = fitLength(out.Left, expected)
	out.Right = fitLength(out.Right, expected)
	out.PeakLeft = fitLength(out.PeakLeft, expected)
	out.PeakRight = fitLength(out.PeakRight, expected)
	return out
}

func scaleBandValue(v float64, kind bandKind) uint8 {
	if !(v > 0) {
		return 0
	}
	if kind == bandHigh {
		v = math.Pow(v, highScaleExp)
	}
	return uint8(math.Max(0, math.Min(255, math.Round(v*255))))
}

func fitLength(s []uint8, n int) []uint8 {
	if len(s) >= n {
		return s[:n]
	}
	return append(s, make([]uint8, n-len(s))...)
}
