// Package analysis decodes audio files and derives the data the timeline needs
// from them: waveform bands, raw min/max peaks and tempo.
package analysis

import (
	"context"

	"Bt1Mix/core/waveform"
)

// PCM is decoded stereo audio. Mono sources are duplicated to both channels.
type PCM struct {
	Samples     [][2]float64
	SampleRate  int
	Channels    int
	TotalFrames int
}

// Duration returns the length in seconds.
func (p *PCM) Duration() float64 {
	if p == nil || p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// Channel0 returns the left channel as float32 for transient probing.
func (p *PCM) Channel0() []float32 {
	out := make([]float32, len(p.Samples))
	for i, s := range p.Samples {
		out[i] = float32(s[0])
	}
	return out
}

// BPMResult is a tempo estimate. BPM is 0 when detection failed.
type BPMResult struct {
	FilePath    string  `json:"filePath"`
	BPM         float64 `json:"bpm"`
	FirstBeatMs float64 `json:"firstBeatMs"`
}

// WaveformResult carries band data of one file.
type WaveformResult struct {
	FilePath string             `json:"filePath"`
	Bands    *waveform.BandData `json:"bands"`
}

// RawResult carries min/max peaks of one file.
type RawResult struct {
	FilePath string            `json:"filePath"`
	Raw      *waveform.RawData `json:"raw"`
}

// Service is the decode and analysis collaborator of the timeline.
// The batch calls may return partial results; a path absent from the
// result is still missing and will be asked for again.
type Service interface {
	Decode(ctx context.Context, filePath string) (*PCM, error)
	DetectBPM(ctx context.Context, filePaths []string) ([]BPMResult, error)
	FetchWaveform(ctx context.Context, filePaths []string) ([]WaveformResult, error)
	FetchRawWaveform(ctx context.Context, filePaths []string, targetRate float64) ([]RawResult, error)
}

// WaveformStore persists analysis results between runs. A miss returns nil, nil.
type WaveformStore interface {
	GetBands(ctx context.Context, filePath string) (*waveform.BandData, error)
	SetBands(ctx context.Context, filePath string, data *waveform.BandData) error
	GetRaw(ctx context.Context, filePath string, rate float64) (*waveform.RawData, error)
	SetRaw(ctx context.Context, filePath string, rate float64, data *waveform.RawData) error
}
