package repository

import (
	"testing"

	"Bt1Mix/model"
)

func TestRenderJobUpdateColumns(t *testing.T) {
	tests := []struct {
		name string
		in   RenderJobUpdate
		want map[string]interface{}
	}{
		{"empty", RenderJobUpdate{}, map[string]interface{}{}},
		{"progress", RenderJobUpdate{Stage: "rendering", Percent: 71}, map[string]interface{}{"stage": "rendering", "percent": 71}},
		{"done", RenderJobUpdate{Status: model.RenderJobCompleted, ObjectName: "mixdowns/j/mix.wav", SampleRate: 44100, TrackCount: 2, DurationSec: 3},
			map[string]interface{}{"status": "completed", "object_name": "mixdowns/j/mix.wav", "sample_rate": 44100, "track_count": 2, "duration_sec": 3.0}},
		{"failed", RenderJobUpdate{Status: model.RenderJobFailed, Error: "boom"}, map[string]interface{}{"status": "failed", "error": "boom"}},
	}
	for _, tt := range tests {
		got := tt.in.columns()
		if len(got) != len(tt.want) {
			t.Errorf("%s: columns = %v, want %v", tt.name, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("%s: %s = %v, want %v", tt.name, k, got[k], v)
			}
		}
	}
}
