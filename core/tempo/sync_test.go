package tempo

import (
	"math"
	"testing"
)

func TestResolveRateIdentity(t *testing.T) {
	for _, base := range []float64{0.5, 1, 1.25, 2} {
		d := ResolveRate(Params{
			BaseRate:        base,
			TargetBPM:       128,
			MasterBPM:       128,
			TargetAnchorSec: 3.5,
			MasterAnchorSec: 3.5,
			TimelineSec:     42.123,
		})
		if d.Rate != base {
			t.Errorf("base %v: rate = %v, want %v", base, d.Rate, base)
		}
		if d.PhasePull != 0 {
			t.Errorf("base %v: pull = %v, want 0", base, d.PhasePull)
		}
	}
}

func TestResolveRateClamped(t *testing.T) {
	tests := []struct {
		base, target, master float64
	}{
		{1, 30, 200},
		{4, 60, 240},
		{0.25, 200, 30},
		{100, 120, 121},
		{-3, 128, 130},
	}
	for _, tt := range tests {
		for _, tl := range []float64{0, 0.1, 7.77, 1000.5} {
			d := ResolveRate(Params{
				BaseRate:          tt.base,
				TargetBPM:         tt.target,
				MasterBPM:         tt.master,
				TargetAnchorSec:   0.37,
				MasterAnchorSec:   0,
				TimelineSec:       tl,
				PhaseLockStrength: 5,
				MaxPhasePull:      5,
			})
			if d.Rate < MinRate || d.Rate > MaxRate {
				t.Errorf("%+v at %v: rate %v out of range", tt, tl, d.Rate)
			}
			if math.Abs(d.PhasePull) > maxPhasePullLimit {
				t.Errorf("%+v at %v: pull %v above limit", tt, tl, d.PhasePull)
			}
		}
	}
}

func TestResolveRateInvalidBPM(t *testing.T) {
	d := ResolveRate(Params{BaseRate: 1.5, TargetBPM: 0, MasterBPM: 128})
	if d.Rate != 1.5 || d.TempoScale != 1 || d.MasterBeatSec != 0 {
		t.Errorf("got %+v, want base rate passthrough", d)
	}
	d = ResolveRate(Params{TargetBPM: 128, MasterBPM: math.NaN()})
	if d.Rate != 1 {
		t.Errorf("rate = %v, want 1", d.Rate)
	}
}

func TestResolveRatePullDirection(t *testing.T) {
	// follower behind the master by a quarter beat should speed up
	beat := 60.0 / 128
	d := ResolveRate(Params{
		BaseRate:        1,
		TargetBPM:       128,
		MasterBPM:       128,
		MasterAnchorSec: 0,
		TargetAnchorSec: beat / 4,
		TimelineSec:     10,
	})
	if d.PhaseErrorSec <= 0 {
		t.Fatalf("phase error = %v, want positive", d.PhaseErrorSec)
	}
	if d.Rate <= 1 {
		t.Errorf("rate = %v, want > 1", d.Rate)
	}
	if d.PhasePull > DefaultMaxPhasePull+1e-12 {
		t.Errorf("pull = %v above default max %v", d.PhasePull, DefaultMaxPhasePull)
	}
}

func TestResolveRateTransportConstants(t *testing.T) {
	d := ResolveRate(Params{
		BaseRate:          1,
		TargetBPM:         130,
		MasterBPM:         128,
		MasterAnchorSec:   0,
		TargetAnchorSec:   0.2,
		TimelineSec:       61,
		PhaseLockStrength: TransportPhaseLockStrength,
		MaxPhasePull:      TransportMaxPhasePull,
	})
	want := 128.0 / 130
	if math.Abs(d.TempoSyncedRate-want) > 1e-12 {
		t.Errorf("tempo synced = %v, want %v", d.TempoSyncedRate, want)
	}
	lo, hi := want*(1-TransportMaxPhasePull), want*(1+TransportMaxPhasePull)
	if d.Rate < lo-1e-12 || d.Rate > hi+1e-12 {
		t.Errorf("rate = %v, want within [%v, %v]", d.Rate, lo, hi)
	}
}

func TestWrapPhaseDiff(t *testing.T) {
	tests := []struct {
		diff, period, want float64
	}{
		{0.1, 1, 0.1},
		{0.6, 1, -0.4},
		{-0.6, 1, 0.4},
		{2.25, 1, 0.25},
		{0.5, 1, 0.5},
		{0.3, 0, 0},
	}
	for _, tt := range tests {
		if got := WrapPhaseDiff(tt.diff, tt.period); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("WrapPhaseDiff(%v, %v) = %v, want %v", tt.diff, tt.period, got, tt.want)
		}
	}
}

func TestPhaseAtNonNegative(t *testing.T) {
	for _, tl := range []float64{-5, -0.3, 0, 0.3, 12.9} {
		got := PhaseAt(tl, 1, 0.5)
		if got < 0 || got >= 0.5 {
			t.Errorf("PhaseAt(%v) = %v, want in [0, 0.5)", tl, got)
		}
	}
}
