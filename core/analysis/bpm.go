package analysis

import (
	"math"
)

const (
	minDetectBPM  = 70.0
	maxDetectBPM  = 180.0
	bpmStep       = 0.05
	coarseBPMStep = 0.5
	onsetHop      = 256
)

// combWeights 对 1~4 拍的延迟加权
var combWeights = []float64{1, 0.5, 0.33, 0.25}

// onsetEnvelope returns the half-wave rectified energy flux of the mono mix,
// one value per onsetHop frames, lightly smoothed.
func onsetEnvelope(samples [][2]float64) []float64 {
	hops := len(samples) / onsetHop
	if hops < 2 {
		return nil
	}
	energy := make([]float64, hops)
	for h := 0; h < hops; h++ {
		var sum float64
		for _, s := range samples[h*onsetHop : (h+1)*onsetHop] {
			m := (s[0] + s[1]) / 2
			sum += m * m
		}
		energy[h] = math.Sqrt(sum / onsetHop)
	}
	flux := make([]float64, hops)
	for h := 1; h < hops; h++ {
		flux[h] = math.Max(0, energy[h]-energy[h-1])
	}
	smoothed := make([]float64, hops)
	for h := range flux {
		v := flux[h] * 0.5
		if h > 0 {
			v += flux[h-1] * 0.25
		}
		if h+1 < hops {
			v += flux[h+1] * 0.25
		}
		smoothed[h] = v
	}
	return smoothed
}

// interpAt linearly interpolates env at a fractional index.
func interpAt(env []float64, x float64) float64 {
	i := int(x)
	if i < 0 || i+1 >= len(env) {
		return 0
	}
	f := x - float64(i)
	return env[i]*(1-f) + env[i+1]*f
}

// combScore is the weighted autocorrelation of env at lag and its multiples.
func combScore(env []float64, lag float64) float64 {
	var score float64
	for k, w := range combWeights {
		l := lag * float64(k+1)
		if l >= float64(len(env)-1) {
			break
		}
		var sum float64
		for i := 0; float64(i)+l < float64(len(env)-1); i++ {
			sum += env[i] * interpAt(env, float64(i)+l)
		}
		// 按总长归一化，长延迟的重叠更少，可压住半速
		score += w * sum / float64(len(env))
	}
	return score
}

// EstimateBPM estimates the tempo of pcm within 70–180 BPM and the position
// of the first beat. It returns bpm 0 for silent or too short input.
func EstimateBPM(pcm *PCM) (bpm, firstBeatMs float64) {
	if pcm == nil || pcm.SampleRate <= 0 {
		return 0, 0
	}
	env := onsetEnvelope(pcm.Samples)
	if len(env) == 0 {
		return 0, 0
	}
	var peak float64
	for _, v := range env {
		peak = math.Max(peak, v)
	}
	if peak <= 1e-6 {
		return 0, 0
	}
	envRate := float64(pcm.SampleRate) / onsetHop

	// 先粗搜再细搜
	coarse, _ := searchBPM(env, envRate, minDetectBPM, maxDetectBPM, coarseBPMStep)
	if coarse == 0 {
		return 0, 0
	}
	bestBPM, _ := searchBPM(env, envRate,
		math.Max(minDetectBPM, coarse-coarseBPMStep),
		math.Min(maxDetectBPM, coarse+coarseBPMStep), bpmStep)
	if bestBPM == 0 {
		bestBPM = coarse
	}

	// 在一个拍长内寻找使梳状和最大的相位
	period := 60 / bestBPM * envRate
	bestPhase, bestPhaseScore := 0.0, -1.0
	for p := 0.0; p < period; p++ {
		var sum float64
		for x := p; x < float64(len(env)); x += period {
			sum += interpAt(env, x)
		}
		if sum > bestPhaseScore {
			bestPhase, bestPhaseScore = p, sum
		}
	}

	// 对齐到附近的起音峰
	idx := int(bestPhase)
	for i := max(0, idx-2); i <= min(len(env)-1, idx+2); i++ {
		if env[i] > env[idx] {
			idx = i
		}
	}
	beatMs := float64(idx) / envRate * 1000
	return math.Round(bestBPM*100) / 100, math.Round(beatMs*100) / 100
}

func searchBPM(env []float64, envRate, lo, hi, step float64) (best, bestScore float64) {
	for b := lo; b <= hi+1e-9; b += step {
		if s := combScore(env, 60/b*envRate); s > bestScore {
			best, bestScore = b, s
		}
	}
	return best, bestScore
}
