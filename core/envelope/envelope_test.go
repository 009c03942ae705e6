package envelope

import (
	"math"
	"testing"

	"Bt1Mix/model"
)

func checkInvariants(t *testing.T, env Envelope, duration float64) {
	t.Helper()
	if len(env.Points) == 0 {
		t.Fatal("envelope is empty")
	}
	if env.Points[0].Sec != 0 {
		t.Errorf("first point at %v, want 0", env.Points[0].Sec)
	}
	if got := env.Points[len(env.Points)-1].Sec; math.Abs(got-duration) > 1e-4 {
		t.Errorf("last point at %v, want %v", got, duration)
	}
	for i, p := range env.Points {
		if p.Gain < MinGain || p.Gain > MaxGain {
			t.Errorf("point %d gain %v out of range", i, p.Gain)
		}
		if i > 0 && p.Sec <= env.Points[i-1].Sec {
			t.Errorf("point %d at %v not after %v", i, p.Sec, env.Points[i-1].Sec)
		}
	}
}

func TestNormalizeInvariants(t *testing.T) {
	tests := []struct {
		name     string
		points   []model.GainPoint
		duration float64
	}{
		{"empty", nil, 60},
		{"single mid point", []model.GainPoint{{Sec: 10, Gain: 0.5}}, 60},
		{"unsorted", []model.GainPoint{{Sec: 30, Gain: 2}, {Sec: 5, Gain: 0.2}, {Sec: 0, Gain: 1}}, 45},
		{"invalid points", []model.GainPoint{{Sec: -1, Gain: 1}, {Sec: 3, Gain: 0}, {Sec: 4, Gain: -2}, {Sec: math.NaN(), Gain: 1}}, 20},
		{"huge gain", []model.GainPoint{{Sec: 1, Gain: 1000}}, 10},
		{"tiny gain", []model.GainPoint{{Sec: 1, Gain: 1e-9}}, 10},
		{"points past duration", []model.GainPoint{{Sec: 0, Gain: 1}, {Sec: 50, Gain: 2}, {Sec: 70, Gain: 3}}, 40},
		{"last point near duration", []model.GainPoint{{Sec: 0, Gain: 1}, {Sec: 9.99995, Gain: 2}}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Normalize(model.ParamGain, tt.points, tt.duration)
			checkInvariants(t, env, tt.duration)
		})
	}
}

func TestNormalizeEmptyIsFlat(t *testing.T) {
	env := Normalize(model.ParamGain, nil, 30)
	if len(env.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(env.Points))
	}
	for _, p := range env.Points {
		if p.Gain != 1 {
			t.Errorf("gain = %v, want 1", p.Gain)
		}
	}
}

func TestNormalizeDuplicateLastWriteWins(t *testing.T) {
	env := Normalize(model.ParamGain, []model.GainPoint{
		{Sec: 5, Gain: 0.5},
		{Sec: 5.00004, Gain: 0.8},
	}, 10)
	if got := env.SampleAt(5, 1); got != 0.8 {
		t.Errorf("gain at 5s = %v, want 0.8", got)
	}
	// 0, 5, 10
	if len(env.Points) != 3 {
		t.Errorf("got %d points, want 3", len(env.Points))
	}
}

func TestNormalizeInsertsLeadingPoint(t *testing.T) {
	env := Normalize(model.ParamGain, []model.GainPoint{{Sec: 4, Gain: 0.25}}, 8)
	if env.Points[0].Gain != 0.25 {
		t.Errorf("leading gain = %v, want copy of first valid gain 0.25", env.Points[0].Gain)
	}
}

func TestNormalizeVolumeCeiling(t *testing.T) {
	env := Normalize(model.ParamVolume, []model.GainPoint{{Sec: 0, Gain: 4}}, 8)
	for _, p := range env.Points {
		if p.Gain > VolumeMaxGain {
			t.Errorf("volume gain %v above %v", p.Gain, VolumeMaxGain)
		}
	}
}

func TestSampleAtControlPoints(t *testing.T) {
	env := Normalize(model.ParamGain, []model.GainPoint{
		{Sec: 0, Gain: 0.1},
		{Sec: 2.5, Gain: 0.7},
		{Sec: 6, Gain: 3.3},
		{Sec: 9, Gain: 0.05},
	}, 12)
	for _, p := range env.Points {
		if got := env.SampleAt(p.Sec, 1); got != p.Gain {
			t.Errorf("SampleAt(%v) = %v, want %v", p.Sec, got, p.Gain)
		}
		if again := env.SampleAt(p.Sec, 1); again != env.SampleAt(p.Sec, 1) {
			t.Errorf("SampleAt(%v) not idempotent", p.Sec)
		}
	}
}

func TestSampleAtMonotonicBetweenPoints(t *testing.T) {
	env := Normalize(model.ParamGain, []model.GainPoint{{Sec: 0, Gain: 0.2}, {Sec: 10, Gain: 1.8}}, 10)
	prev := env.SampleAt(0, 1)
	for i := 1; i <= 100; i++ {
		got := env.SampleAt(float64(i)*0.1, 1)
		if got < prev {
			t.Fatalf("value decreased at %v: %v < %v", float64(i)*0.1, got, prev)
		}
		if got < 0.2 || got > 1.8 {
			t.Fatalf("value %v outside [0.2, 1.8]", got)
		}
		prev = got
	}
}

func TestSampleAtOutsideRange(t *testing.T) {
	env := Normalize(model.ParamGain, []model.GainPoint{{Sec: 0, Gain: 0.3}, {Sec: 5, Gain: 0.9}}, 5)
	if got := env.SampleAt(-3, 1); got != 0.3 {
		t.Errorf("before start = %v, want 0.3", got)
	}
	if got := env.SampleAt(50, 1); got != 0.9 {
		t.Errorf("after end = %v, want 0.9", got)
	}
	if got := (Envelope{Param: model.ParamGain}).SampleAt(1, 0.6); got != 0.6 {
		t.Errorf("empty envelope = %v, want fallback 0.6", got)
	}
}

func TestDbConversions(t *testing.T) {
	if got := GainToDb(1); got != 0 {
		t.Errorf("GainToDb(1) = %v, want 0", got)
	}
	if got := GainToDb(0); math.Abs(got+80) > 1e-9 {
		t.Errorf("GainToDb(0) = %v, want -80", got)
	}
	if got := DbToGain(20); math.Abs(got-10) > 1e-12 {
		t.Errorf("DbToGain(20) = %v, want 10", got)
	}
	if got := EqDb(16); got != KnobMaxDb {
		t.Errorf("EqDb(16) = %v, want %v", got, KnobMaxDb)
	}
	if got := EqDb(MinGain); got != KnobMinDb {
		t.Errorf("EqDb(min) = %v, want %v", got, KnobMinDb)
	}
}

func TestSetValueClampsOffset(t *testing.T) {
	track := &model.Track{}
	track.SetEnvelope(model.ParamGain, []model.GainPoint{{Sec: 0, Gain: 0.5}, {Sec: 10, Gain: 1.5}})
	set := Resolve(track, 10)
	if got := set.Value(model.ParamGain, 20); got != 1.5 {
		t.Errorf("Value past end = %v, want 1.5", got)
	}
	if got := set.Value(model.ParamHigh, 3); got != 1 {
		t.Errorf("default lane = %v, want 1", got)
	}
}
