package transport

import (
	"math"
	"sort"
	"strings"

	"Bt1Mix/core/envelope"
	"Bt1Mix/core/tempo"
	"Bt1Mix/model"
)

// minDurationRatio keeps timeline durations finite for near-zero tempo ratios.
const minDurationRatio = 0.01

// Entry is a track's playback plan captured when transport starts or when
// the offline renderer builds its graph.
type Entry struct {
	TrackID        string
	FilePath       string
	StartSec       float64
	Duration       float64 // timeline seconds
	SourceDuration float64 // source seconds
	BPM            float64
	BeatSec        float64
	FirstBeatSec   float64
	BarBeatOffset  int
	MasterTempo    bool
	SyncAnchorSec  float64
	TempoRatio     float64

	Envelopes envelope.Set
}

// NewEntry plans one track. ok is false when the source duration is unknown.
func NewEntry(track *model.Track) (entry *Entry, ok bool) {
	sourceDuration := track.SourceDuration
	if math.IsNaN(sourceDuration) || math.IsInf(sourceDuration, 0) || sourceDuration <= 0 {
		return nil, false
	}
	bpm := track.BPMValue()
	beatSec := tempo.BeatSec(bpm)
	ratio := tempo.TempoRatio(bpm, track.OriginalBPMValue())
	duration := sourceDuration / math.Max(minDurationRatio, ratio)
	firstBeatSec := tempo.FirstBeatTimelineSec(track.FirstBeatMsValue(), ratio)
	barOffset := tempo.NormalizeBeatOffset(float64(track.BarBeatOffset), tempo.BeatsPerBar)
	start := track.StartSec
	if math.IsNaN(start) || math.IsInf(start, 0) || start < 0 {
		start = 0
	}

	return &Entry{
		TrackID:        track.ID,
		FilePath:       strings.TrimSpace(track.FilePath),
		StartSec:       start,
		Duration:       duration,
		SourceDuration: sourceDuration,
		BPM:            bpm,
		BeatSec:        beatSec,
		FirstBeatSec:   firstBeatSec,
		BarBeatOffset:  barOffset,
		MasterTempo:    track.MasterTempo,
		SyncAnchorSec:  tempo.GridAnchorSec(start, firstBeatSec, beatSec, barOffset),
		TempoRatio:     ratio,
		Envelopes:      envelope.Resolve(track, duration),
	}, true
}

// BuildEntries plans every track with a file path, sorted by start time.
// Tracks without a known duration are skipped and counted.
func BuildEntries(tracks []*model.Track) (entries []*Entry, missingDuration int) {
	for _, track := range tracks {
		if track == nil || strings.TrimSpace(track.FilePath) == "" {
			continue
		}
		entry, ok := NewEntry(track)
		if !ok {
			missingDuration++
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].StartSec < entries[j].StartSec })
	return entries, missingDuration
}

// EndSec is the timeline time the entry stops playing.
func (e *Entry) EndSec() float64 {
	return e.StartSec + e.Duration
}

// Contains reports whether timelineSec falls inside the entry window, both ends inclusive.
func (e *Entry) Contains(timelineSec float64) bool {
	return timelineSec >= e.StartSec && timelineSec <= e.EndSec()
}

// RefreshEnvelopes re-normalizes the lanes after an edit during playback.
func (e *Entry) RefreshEnvelopes(track *model.Track) {
	e.Envelopes = envelope.Resolve(track, e.Duration)
}

// TotalDuration is the latest end time over all entries.
func TotalDuration(entries []*Entry) float64 {
	total := 0.0
	for _, e := range entries {
		total = math.Max(total, e.EndSec())
	}
	return total
}
