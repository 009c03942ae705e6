package tempo

import (
	"math"
	"testing"
)

func TestNormalizeBeatOffset(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{31, 0 + 31},
		{32, 0},
		{33.4, 1},
		{-1, 31},
		{-33, 31},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := NormalizeBeatOffset(tt.in, BeatsPerBar); got != tt.want {
			t.Errorf("NormalizeBeatOffset(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTempoRatio(t *testing.T) {
	if got := TempoRatio(130, 128); math.Abs(got-130.0/128) > 1e-12 {
		t.Errorf("TempoRatio = %v", got)
	}
	if got := TempoRatio(400, 10); got != MaxRate {
		t.Errorf("TempoRatio high = %v, want %v", got, MaxRate)
	}
	if got := TempoRatio(0, 128); got != 1 {
		t.Errorf("TempoRatio invalid = %v, want 1", got)
	}
}

func TestGridAnchorSec(t *testing.T) {
	beat := BeatSec(120)
	if beat != 0.5 {
		t.Fatalf("BeatSec(120) = %v", beat)
	}
	first := FirstBeatTimelineSec(200, 1)
	if got := GridAnchorSec(60, first, beat, 2); math.Abs(got-61.2) > 1e-12 {
		t.Errorf("anchor = %v, want 61.2", got)
	}
	if got := GridAnchorSec(60, first, 0, 2); math.Abs(got-60.2) > 1e-12 {
		t.Errorf("anchor without beat = %v, want 60.2", got)
	}
	if got := FirstBeatTimelineSec(-5, 1); got != 0 {
		t.Errorf("negative first beat = %v, want 0", got)
	}
	if got := FirstBeatTimelineSec(500, 2); got != 0.25 {
		t.Errorf("first beat at ratio 2 = %v, want 0.25", got)
	}
}
