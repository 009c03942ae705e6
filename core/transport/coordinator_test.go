package transport

import (
	"math"
	"math/rand"
	"testing"

	"Bt1Mix/core/tempo"
	"Bt1Mix/model"
)

type target struct {
	param Param
	value float64
	at    float64
}

type fakeVoice struct {
	rate    float64
	targets []target
}

func (v *fakeVoice) Rate() float64 { return v.rate }

func (v *fakeVoice) SetTarget(param Param, value, atSec, timeConstant float64) {
	if param == ParamRate {
		v.rate = value
	}
	v.targets = append(v.targets, target{param, value, atSec})
}

func (v *fakeVoice) last(param Param) (float64, bool) {
	for i := len(v.targets) - 1; i >= 0; i-- {
		if v.targets[i].param == param {
			return v.targets[i].value, true
		}
	}
	return 0, false
}

func newTrack(id string, start, bpm, firstBeatMs, duration float64) *model.Track {
	return &model.Track{
		ID:             id,
		FilePath:       "/music/" + id + ".wav",
		StartSec:       start,
		BPM:            model.Float(bpm),
		OriginalBPM:    model.Float(bpm),
		FirstBeatMs:    model.Float(firstBeatMs),
		MasterTempo:    true,
		SourceDuration: duration,
	}
}

func buildNodes(t *testing.T, tracks ...*model.Track) ([]*Node, map[string]*fakeVoice) {
	t.Helper()
	entries, missing := BuildEntries(tracks)
	if missing != 0 {
		t.Fatalf("missing durations = %d", missing)
	}
	voices := make(map[string]*fakeVoice)
	nodes := make([]*Node, 0, len(entries))
	for _, e := range entries {
		v := &fakeVoice{rate: e.TempoRatio}
		voices[e.TrackID] = v
		nodes = append(nodes, NewNode(e, v, nil))
	}
	return nodes, voices
}

func TestApplySyncNoActiveNodes(t *testing.T) {
	nodes, _ := buildNodes(t, newTrack("a", 10, 128, 0, 30))
	res := ApplySync(nodes, 5, "a", 0, false)
	if res.MasterTrackID != "" || res.ActiveTrackCount != 0 {
		t.Errorf("got %+v, want empty result", res)
	}
}

func TestApplySyncSkipsUnsyncedTracks(t *testing.T) {
	noBPM := newTrack("nobpm", 0, 0, 0, 30)
	noBPM.BPM = nil
	free := newTrack("free", 0, 128, 0, 30)
	free.MasterTempo = false
	nodes, voices := buildNodes(t, noBPM, free)
	res := ApplySync(nodes, 5, "", 0, false)
	if res.ActiveTrackCount != 0 {
		t.Errorf("active = %d, want 0", res.ActiveTrackCount)
	}
	for id, v := range voices {
		if _, ok := v.last(ParamRate); ok {
			t.Errorf("track %s got a rate target", id)
		}
	}
}

func TestMasterSelectionStable(t *testing.T) {
	nodes, _ := buildNodes(t,
		newTrack("a", 0, 128, 0, 60),
		newTrack("b", 20, 130, 200, 60),
	)
	res := ApplySync(nodes, 30, "", 0, false)
	if res.MasterTrackID != "a" {
		t.Fatalf("initial master = %q, want earliest start a", res.MasterTrackID)
	}
	for i := 0; i < 5; i++ {
		res = ApplySync(nodes, 30+float64(i)*0.1, res.MasterTrackID, 0, false)
		if res.MasterTrackID != "a" {
			t.Fatalf("tick %d master = %q, want a", i, res.MasterTrackID)
		}
	}
	// a previous master that is still active keeps the role even if it started later
	res = ApplySync(nodes, 31, "b", 0, false)
	if res.MasterTrackID != "b" {
		t.Errorf("master = %q, want b kept", res.MasterTrackID)
	}
}

func TestFollowerAnchorCapturedOnce(t *testing.T) {
	nodes, _ := buildNodes(t,
		newTrack("a", 0, 128, 0, 60),
		newTrack("b", 20.13, 128, 0, 60),
	)
	res := ApplySync(nodes, 25, "", 0, true)
	if len(res.Diagnostics) != 2 {
		t.Fatalf("diagnostics = %d, want 2", len(res.Diagnostics))
	}
	follower := res.Diagnostics[1]
	if follower.Master || follower.TrackID != "b" {
		t.Fatalf("second diagnostic = %+v, want follower b", follower)
	}
	if math.Abs(follower.PostPhaseErrorSec) > 1e-9 {
		t.Errorf("post phase error = %v, want 0 after capture", follower.PostPhaseErrorSec)
	}
	anchor := nodes[1].RuntimeAnchorSec
	ApplySync(nodes, 25.5, res.MasterTrackID, 0, false)
	if nodes[1].RuntimeAnchorSec != anchor {
		t.Errorf("anchor moved from %v to %v while master unchanged", anchor, nodes[1].RuntimeAnchorSec)
	}

	// a master change unlocks the follower again
	ApplySync(nodes, 26, "b", 0, false)
	if nodes[0].LockMasterID != "b" {
		t.Errorf("a locked to %q, want b", nodes[0].LockMasterID)
	}
}

func TestCrossfadeScenario(t *testing.T) {
	// A: 128 bpm from 0 s, B: 130 bpm with a 200 ms first beat from 50 s.
	nodes, voices := buildNodes(t,
		newTrack("A", 0, 128, 0, 60),
		newTrack("B", 50, 130, 200, 60),
	)
	var c Coordinator
	for step := 0; step <= 120*70; step++ {
		tl := float64(step) / 120
		res := c.Apply(nodes, tl, tl)
		rateA, _ := voices["A"].last(ParamRate)
		if tl < 50 {
			if res.MasterTrackID != "A" {
				t.Fatalf("t=%v master = %q, want A", tl, res.MasterTrackID)
			}
			if rateA != 1 {
				t.Fatalf("t=%v A rate = %v, want base rate 1", tl, rateA)
			}
			continue
		}
		if tl <= 60 {
			rateB, ok := voices["B"].last(ParamRate)
			if !ok {
				t.Fatalf("t=%v B got no rate", tl)
			}
			want := 128.0 / 130
			if rateB < tempo.MinRate || rateB > tempo.MaxRate {
				t.Fatalf("t=%v B rate %v out of range", tl, rateB)
			}
			if math.Abs(rateB/want-1) > tempo.TransportMaxPhasePull+1e-9 {
				t.Fatalf("t=%v B rate %v pulls more than %v from %v", tl, rateB, tempo.TransportMaxPhasePull, want)
			}
			if rateA != 1 {
				t.Fatalf("t=%v master A rate = %v, want 1", tl, rateA)
			}
		}
	}
	// after A ends B becomes master and plays at its own base rate
	if c.MasterID() != "B" {
		t.Errorf("final master = %q, want B", c.MasterID())
	}
	if rateB, _ := voices["B"].last(ParamRate); rateB != 1 {
		t.Errorf("B rate as master = %v, want 1", rateB)
	}
}

func TestEstimatedSourcePosition(t *testing.T) {
	nodes, _ := buildNodes(t, newTrack("a", 10, 128, 0, 30))
	n := nodes[0]
	ApplySync(nodes, 12, "", 0, false)
	if math.Abs(n.EstimatedSourceSec-2) > 1e-9 {
		t.Errorf("initial estimate = %v, want 2", n.EstimatedSourceSec)
	}
	ApplySync(nodes, 13.5, "a", 0, false)
	if math.Abs(n.EstimatedSourceSec-3.5) > 1e-9 {
		t.Errorf("integrated estimate = %v, want 3.5", n.EstimatedSourceSec)
	}
	// a jump of more than 2 s reinitializes from the timeline offset
	ApplySync(nodes, 20, "a", 0, false)
	if math.Abs(n.EstimatedSourceSec-10) > 1e-9 {
		t.Errorf("estimate after seek = %v, want 10", n.EstimatedSourceSec)
	}
	ApplySync(nodes, 40, "a", 0, false)
	if n.EstimatedSourceSec > 30-sourceTailSec+1e-12 {
		t.Errorf("estimate %v past source end", n.EstimatedSourceSec)
	}
}

func TestTransientLag(t *testing.T) {
	const rate = 44100
	rng := rand.New(rand.NewSource(7))
	master := make([]float32, rate)
	for i := range master {
		master[i] = float32(rng.Float64()*2 - 1)
	}
	shifted := make([]float32, rate)
	for i := range shifted {
		if i >= 10 {
			shifted[i] = master[i-10]
		}
	}
	lag, ok := transientLag(
		&ProbeBuffer{Samples: master, SampleRate: rate},
		&ProbeBuffer{Samples: shifted, SampleRate: rate},
		0.5, 0.5)
	if !ok {
		t.Fatal("no correlation found")
	}
	if want := 10.0 / rate * 1000; math.Abs(lag.LagMs-want) > 1e-9 {
		t.Errorf("lag = %v ms, want %v", lag.LagMs, want)
	}
	if lag.Correlation < 0.99 {
		t.Errorf("correlation = %v, want ~1", lag.Correlation)
	}

	if _, ok := transientLag(
		&ProbeBuffer{Samples: master, SampleRate: rate},
		&ProbeBuffer{Samples: shifted, SampleRate: 48000},
		0.5, 0.5); ok {
		t.Error("mismatched sample rates should not probe")
	}
	if _, ok := transientLag(
		&ProbeBuffer{Samples: master, SampleRate: rate},
		&ProbeBuffer{Samples: shifted, SampleRate: rate},
		0.001, 0.5); ok {
		t.Error("window before buffer start should not probe")
	}
}
