package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/mitchellh/go-homedir"
)

// SnapshotVersion is the document version written by this build.
const SnapshotVersion = "1.1.0"

// snapshotConstraint accepts every 1.x document.
const snapshotConstraint = ">= 1.0.0, < 2.0.0"

// TrackSnapshot is the persisted/exchanged form of one arrangement entry.
// Optional numeric fields stay nil until analyzed.
type TrackSnapshot struct {
	ID                 string        `json:"id,omitempty"`
	MixOrder           int           `json:"mixOrder,omitempty"`
	FilePath           string        `json:"filePath"`
	StartSec           *float64      `json:"startSec,omitempty"`
	BPM                *float64      `json:"bpm,omitempty"`
	OriginalBPM        *float64      `json:"originalBpm,omitempty"`
	MasterTempo        *bool         `json:"masterTempo,omitempty"`
	FirstBeatMs        *float64      `json:"firstBeatMs,omitempty"`
	BarBeatOffset      *float64      `json:"barBeatOffset,omitempty"`
	GainEnvelope       []GainPoint   `json:"gainEnvelope,omitempty"`
	HighEnvelope       []GainPoint   `json:"highEnvelope,omitempty"`
	MidEnvelope        []GainPoint   `json:"midEnvelope,omitempty"`
	LowEnvelope        []GainPoint   `json:"lowEnvelope,omitempty"`
	VolumeEnvelope     []GainPoint   `json:"volumeEnvelope,omitempty"`
	VolumeMuteSegments []MuteSegment `json:"volumeMuteSegments,omitempty"`
}

// SnapshotDocument wraps a list of track snapshots with a schema version.
type SnapshotDocument struct {
	Version string          `json:"version"`
	Title   string          `json:"title,omitempty"`
	Tracks  []TrackSnapshot `json:"tracks"`
}

// CheckVersion rejects documents written by an incompatible schema.
func (d *SnapshotDocument) CheckVersion() error {
	raw := strings.TrimSpace(d.Version)
	if raw == "" {
		raw = "1.0.0"
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("invalid snapshot version %q: %w", d.Version, err)
	}
	c, err := semver.NewConstraint(snapshotConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("unsupported snapshot version %s (want %s)", v, snapshotConstraint)
	}
	return nil
}

// LoadSnapshotFile reads a snapshot document from disk, expanding a leading ~.
func LoadSnapshotFile(path string) (*SnapshotDocument, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand snapshot path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", expanded, err)
	}
	var doc SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", expanded, err)
	}
	if err := doc.CheckVersion(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// SaveSnapshotFile writes a snapshot document as indented JSON.
func SaveSnapshotFile(path string, doc *SnapshotDocument) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand snapshot path: %w", err)
	}
	if doc.Version == "" {
		doc.Version = SnapshotVersion
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0644)
}

// NormalizeFilePath trims the path and expands a leading ~.
func NormalizeFilePath(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if expanded, err := homedir.Expand(trimmed); err == nil {
		return expanded
	}
	return trimmed
}

// NormalizeBarBeatOffset rounds and wraps the value into [0,32).
func NormalizeBarBeatOffset(value float64) int {
	if isInvalid(value) {
		return 0
	}
	rounded := int(roundTo(value, 0))
	return ((rounded % 32) + 32) % 32
}

// NormalizeBPM returns nil for unanalyzed values, otherwise the bpm rounded to 2 decimals.
func NormalizeBPM(value *float64) *float64 {
	if value == nil || isInvalid(*value) || *value <= 0 {
		return nil
	}
	return Float(roundTo(*value, 2))
}

// ToTrack converts a snapshot into a Track. Envelopes are copied as-is and
// normalized later against the decoded duration.
func (s *TrackSnapshot) ToTrack(index int) *Track {
	filePath := NormalizeFilePath(s.FilePath)
	track := &Track{
		ID:          s.ID,
		MixOrder:    s.MixOrder,
		FilePath:    filePath,
		MasterTempo: s.MasterTempo == nil || *s.MasterTempo,
	}
	if track.ID == "" {
		track.ID = fmt.Sprintf("%s-%d", filePath, index)
	}
	if track.MixOrder <= 0 {
		track.MixOrder = index + 1
	}
	if s.StartSec != nil && !isInvalid(*s.StartSec) && *s.StartSec >= 0 {
		track.StartSec = roundTo(*s.StartSec, 4)
	}
	track.BPM = NormalizeBPM(s.BPM)
	if s.OriginalBPM != nil && !isInvalid(*s.OriginalBPM) && *s.OriginalBPM > 0 {
		track.OriginalBPM = Float(*s.OriginalBPM)
	} else if track.BPM != nil {
		track.OriginalBPM = Float(*track.BPM)
	}
	if s.FirstBeatMs != nil && !isInvalid(*s.FirstBeatMs) && *s.FirstBeatMs >= 0 {
		track.FirstBeatMs = Float(*s.FirstBeatMs)
	}
	if s.BarBeatOffset != nil {
		track.BarBeatOffset = NormalizeBarBeatOffset(*s.BarBeatOffset)
	}
	envelopes := map[EnvelopeParam][]GainPoint{
		ParamGain:   s.GainEnvelope,
		ParamHigh:   s.HighEnvelope,
		ParamMid:    s.MidEnvelope,
		ParamLow:    s.LowEnvelope,
		ParamVolume: s.VolumeEnvelope,
	}
	for param, points := range envelopes {
		if len(points) > 0 {
			track.SetEnvelope(param, append([]GainPoint(nil), points...))
		}
	}
	if len(s.VolumeMuteSegments) > 0 {
		track.VolumeMuteSegments = append([]MuteSegment(nil), s.VolumeMuteSegments...)
	}
	return track
}

// SnapshotFromTrack is the inverse of ToTrack.
func SnapshotFromTrack(t *Track) TrackSnapshot {
	masterTempo := t.MasterTempo
	snap := TrackSnapshot{
		ID:                 t.ID,
		MixOrder:           t.MixOrder,
		FilePath:           t.FilePath,
		StartSec:           Float(t.StartSec),
		BPM:                t.BPM,
		OriginalBPM:        t.OriginalBPM,
		MasterTempo:        &masterTempo,
		FirstBeatMs:        t.FirstBeatMs,
		BarBeatOffset:      Float(float64(t.BarBeatOffset)),
		GainEnvelope:       t.Envelope(ParamGain),
		HighEnvelope:       t.Envelope(ParamHigh),
		MidEnvelope:        t.Envelope(ParamMid),
		LowEnvelope:        t.Envelope(ParamLow),
		VolumeEnvelope:     t.Envelope(ParamVolume),
		VolumeMuteSegments: t.VolumeMuteSegments,
	}
	return snap
}

// TracksFromDocument converts every snapshot of a document, skipping entries without a file path.
func TracksFromDocument(doc *SnapshotDocument) []*Track {
	tracks := make([]*Track, 0, len(doc.Tracks))
	for i := range doc.Tracks {
		track := doc.Tracks[i].ToTrack(i)
		if track.FilePath == "" {
			continue
		}
		tracks = append(tracks, track)
	}
	return tracks
}
