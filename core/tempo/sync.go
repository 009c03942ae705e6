package tempo

import "math"

const (
	MinRate = 0.25
	MaxRate = 4.0

	MinTempoScale = 0.5
	MaxTempoScale = 2.0

	// 模型默认值
	DefaultPhaseLockStrength = 0.12
	DefaultMaxPhasePull      = 0.04

	// 播放/离线混音协调器使用的值
	TransportPhaseLockStrength = 0.16
	TransportMaxPhasePull      = 0.05

	maxPhaseLockStrength = 0.5
	maxPhasePullLimit    = 0.15
)

// Params is the input of ResolveRate. Zero strength or pull selects the defaults.
type Params struct {
	BaseRate          float64
	TargetBPM         float64
	MasterBPM         float64
	TargetAnchorSec   float64
	MasterAnchorSec   float64
	TimelineSec       float64
	PhaseLockStrength float64
	MaxPhasePull      float64
}

// Diagnostics is the result of ResolveRate.
type Diagnostics struct {
	Rate            float64 `json:"rate"`
	BaseRate        float64 `json:"baseRate"`
	TempoScale      float64 `json:"tempoScale"`
	TempoSyncedRate float64 `json:"tempoSyncedRate"`
	MasterBeatSec   float64 `json:"masterBeatSec"`
	PhaseErrorSec   float64 `json:"phaseErrorSec"`
	PhasePull       float64 `json:"phasePull"`
}

// ResolveRate derives a follower playback rate in two stages: a hard tempo
// ratio toward the master bpm, then a bounded pull proportional to the
// phase error between the two beat grids.
func ResolveRate(p Params) Diagnostics {
	baseRate := clamp(orDefault(p.BaseRate, 1), MinRate, MaxRate)
	d := Diagnostics{
		Rate:            baseRate,
		BaseRate:        baseRate,
		TempoScale:      1,
		TempoSyncedRate: baseRate,
	}
	if !validBPM(p.TargetBPM) || !validBPM(p.MasterBPM) {
		return d
	}

	d.TempoScale = clamp(p.MasterBPM/p.TargetBPM, MinTempoScale, MaxTempoScale)
	d.TempoSyncedRate = clamp(baseRate*d.TempoScale, MinRate, MaxRate)
	d.Rate = d.TempoSyncedRate

	d.MasterBeatSec = 60 / p.MasterBPM
	if !finite(d.MasterBeatSec) || d.MasterBeatSec <= 0 {
		d.MasterBeatSec = 0
		return d
	}

	masterPhase := PhaseAt(p.TimelineSec, p.MasterAnchorSec, d.MasterBeatSec)
	targetPhase := PhaseAt(p.TimelineSec, p.TargetAnchorSec, d.MasterBeatSec)
	d.PhaseErrorSec = WrapPhaseDiff(masterPhase-targetPhase, d.MasterBeatSec)

	strength := clamp(orDefault(p.PhaseLockStrength, DefaultPhaseLockStrength), 0, maxPhaseLockStrength)
	maxPull := clamp(orDefault(p.MaxPhasePull, DefaultMaxPhasePull), 0, maxPhasePullLimit)
	d.PhasePull = clamp(d.PhaseErrorSec/d.MasterBeatSec*strength, -maxPull, maxPull)
	d.Rate = clamp(d.TempoSyncedRate*(1+d.PhasePull), MinRate, MaxRate)
	return d
}

// PhaseAt is the position of t inside the beat period that starts at anchor,
// always in [0, period).
func PhaseAt(t, anchor, period float64) float64 {
	if !finite(period) || period <= 0 {
		return 0
	}
	return positiveMod(t-anchor, period)
}

// WrapPhaseDiff folds a phase difference into [-period/2, period/2].
func WrapPhaseDiff(diff, period float64) float64 {
	if !finite(period) || period <= 0 || !finite(diff) {
		return 0
	}
	wrapped := math.Mod(diff, period)
	half := period / 2
	if wrapped > half {
		wrapped -= period
	} else if wrapped < -half {
		wrapped += period
	}
	return wrapped
}

func positiveMod(v, m float64) float64 {
	r := math.Mod(v, m)
	if r < 0 {
		r += m
	}
	return r
}

func validBPM(bpm float64) bool {
	return finite(bpm) && bpm > 0
}

func orDefault(v, fallback float64) float64 {
	if v == 0 || !finite(v) {
		return fallback
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
