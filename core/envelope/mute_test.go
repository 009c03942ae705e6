package envelope

import (
	"testing"

	"Bt1Mix/model"
)

func TestNormalizeMuteSegmentsMergesAndClamps(t *testing.T) {
	got := NormalizeMuteSegments([]model.MuteSegment{
		{StartSec: 8, EndSec: 12},
		{StartSec: -2, EndSec: 1},
		{StartSec: 10, EndSec: 14},
		{StartSec: 18, EndSec: 40},
		{StartSec: 5, EndSec: 5.00001},
	}, 20)
	want := []model.MuteSegment{{StartSec: 0, EndSec: 1}, {StartSec: 8, EndSec: 14}, {StartSec: 18, EndSec: 20}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIsMuted(t *testing.T) {
	segments := NormalizeMuteSegments([]model.MuteSegment{{StartSec: 2, EndSec: 4}, {StartSec: 6, EndSec: 7}}, 10)
	tests := []struct {
		t    float64
		want bool
	}{
		{0, false},
		{1.9, false},
		{2, true},
		{3.5, true},
		{4, false},
		{5, false},
		{6.5, true},
		{7.5, false},
		{-1, false},
	}
	for _, tt := range tests {
		if got := IsMuted(segments, tt.t); got != tt.want {
			t.Errorf("IsMuted(%v) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestVolumeAtUsesMuteGain(t *testing.T) {
	vol := Normalize(model.ParamVolume, []model.GainPoint{{Sec: 0, Gain: 0.8}}, 10)
	segments := NormalizeMuteSegments([]model.MuteSegment{{StartSec: 3, EndSec: 5}}, 10)
	if got := VolumeAt(vol, segments, 4); got != MuteGain {
		t.Errorf("muted volume = %v, want %v", got, MuteGain)
	}
	if got := VolumeAt(vol, segments, 6); got != 0.8 {
		t.Errorf("volume = %v, want 0.8", got)
	}
}
