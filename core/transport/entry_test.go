package transport

import (
	"math"
	"testing"

	"Bt1Mix/core/envelope"
	"Bt1Mix/model"
)

func TestBuildEntries(t *testing.T) {
	stretched := newTrack("stretched", 30, 130, 500, 120)
	stretched.OriginalBPM = model.Float(128)
	stretched.BarBeatOffset = 2
	unknown := newTrack("unknown", 0, 128, 0, 0)
	noPath := newTrack("nopath", 0, 128, 0, 10)
	noPath.FilePath = "  "

	entries, missing := BuildEntries([]*model.Track{stretched, unknown, noPath, newTrack("first", 0, 128, 0, 60)})
	if missing != 1 {
		t.Errorf("missing = %d, want 1", missing)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].TrackID != "first" || entries[1].TrackID != "stretched" {
		t.Errorf("order = %s, %s, want sorted by start", entries[0].TrackID, entries[1].TrackID)
	}

	e := entries[1]
	ratio := 130.0 / 128
	if math.Abs(e.TempoRatio-ratio) > 1e-12 {
		t.Errorf("tempo ratio = %v, want %v", e.TempoRatio, ratio)
	}
	if math.Abs(e.Duration-120/ratio) > 1e-9 {
		t.Errorf("duration = %v, want %v", e.Duration, 120/ratio)
	}
	wantAnchor := 30 + 0.5/ratio + 2*(60.0/130)
	if math.Abs(e.SyncAnchorSec-wantAnchor) > 1e-9 {
		t.Errorf("anchor = %v, want %v", e.SyncAnchorSec, wantAnchor)
	}
	if !e.MasterTempo {
		t.Error("master tempo dropped")
	}
}

func TestApplyMixParamsWindow(t *testing.T) {
	track := newTrack("a", 10, 128, 0, 20)
	track.SetEnvelope(model.ParamVolume, []model.GainPoint{{Sec: 0, Gain: 0.5}})
	track.SetEnvelope(model.ParamHigh, []model.GainPoint{{Sec: 0, Gain: 100}})
	track.VolumeMuteSegments = []model.MuteSegment{{StartSec: 5, EndSec: 6}}
	nodes, voices := buildNodes(t, track)
	v := voices["a"]

	ApplyMixParams(nodes, 5, 0)
	if len(v.targets) != 0 {
		t.Fatalf("got %d targets before the window, want 0", len(v.targets))
	}

	ApplyMixParams(nodes, 12, 1)
	if got, _ := v.last(ParamVolume); got != 0.5 {
		t.Errorf("volume = %v, want 0.5", got)
	}
	if got, _ := v.last(ParamEqHigh); got != envelope.KnobMaxDb {
		t.Errorf("eq high = %v dB, want %v", got, envelope.KnobMaxDb)
	}
	if got, _ := v.last(ParamEqLow); got != 0 {
		t.Errorf("eq low = %v dB, want 0", got)
	}

	ApplyMixParams(nodes, 15.5, 2)
	if got, _ := v.last(ParamVolume); got != envelope.MuteGain {
		t.Errorf("muted volume = %v, want %v", got, envelope.MuteGain)
	}
	for _, tg := range v.targets[5:] {
		if tg.at != 2 {
			t.Errorf("target %v scheduled at %v, want 2", tg.param, tg.at)
		}
	}
}
