package cache

import (
	"context"
	"testing"
	"time"

	"Bt1Mix/core/analysis"
	"Bt1Mix/core/waveform"

	"github.com/go-redis/redis/v8"
)

// the cache must satisfy the analysis store
var _ analysis.WaveformStore = (*WaveformCache)(nil)

func TestWaveformKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{BandKey("/music/a.wav"), "waveform:band:/music/a.wav"},
		{RawKey("/music/a.wav", 2400), "waveform:raw:2400:/music/a.wav"},
		{RawKey("b.mp3", 1200.5), "waveform:raw:1200.5:b.mp3"},
		{escapeGlob("/m/[live]*?.wav"), `/m/\[live\]\*\?.wav`},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEncodeBands(t *testing.T) {
	in := &waveform.BandData{
		Duration: 2.5, SampleRate: 44100, Step: 100,
		Low: waveform.Band{Left: []uint8{1, 2}, Right: []uint8{3, 4}, PeakLeft: []uint8{5, 6}},
	}
	data, err := encode(in)
	if err != nil {
		t.Fatal(err)
	}
	var out waveform.BandData
	if err := decode(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Duration != 2.5 || out.Low.Right[1] != 4 || out.Low.PeakLeft[0] != 5 || out.Mid.Left != nil {
		t.Errorf("decoded = %+v", out)
	}
}

func TestUnreachableRedisIsAMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	c := NewWaveformCache(client, time.Hour)

	bands, err := c.GetBands(context.Background(), "/a.wav")
	if bands != nil || err != nil {
		t.Errorf("GetBands = %v, %v; want nil, nil", bands, err)
	}
	if err := c.SetRaw(context.Background(), "/a.wav", 2400, &waveform.RawData{Rate: 2400}); err == nil {
		t.Error("SetRaw on an unreachable server succeeded")
	}
	if err := c.SetBands(context.Background(), "/a.wav", nil); err != nil {
		t.Errorf("SetBands(nil) = %v", err)
	}
}
