package model

// EnvelopeParam identifies one of the five automation lanes of a track.
type EnvelopeParam string

const (
	ParamGain   EnvelopeParam = "gain"
	ParamHigh   EnvelopeParam = "high"
	ParamMid    EnvelopeParam = "mid"
	ParamLow    EnvelopeParam = "low"
	ParamVolume EnvelopeParam = "volume"
)

// EnvelopeParams lists every lane in display order.
var EnvelopeParams = []EnvelopeParam{ParamGain, ParamHigh, ParamMid, ParamLow, ParamVolume}

// GainPoint is one control point of an automation envelope.
type GainPoint struct {
	Sec  float64 `json:"sec"`
	Gain float64 `json:"gain"`
}

// MuteSegment is a muted [StartSec, EndSec) range in track-local timeline seconds.
type MuteSegment struct {
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
}

// Track represents one entry of the mixtape arrangement.
type Track struct {
	ID            string   `json:"id"`
	MixOrder      int      `json:"mixOrder"`
	FilePath      string   `json:"filePath"`
	StartSec      float64  `json:"startSec"`
	BPM           *float64 `json:"bpm,omitempty"`
	OriginalBPM   *float64 `json:"originalBpm,omitempty"`
	MasterTempo   bool     `json:"masterTempo"`
	FirstBeatMs   *float64 `json:"firstBeatMs,omitempty"`
	BarBeatOffset int      `json:"barBeatOffset"`

	Envelopes          map[EnvelopeParam][]GainPoint `json:"envelopes,omitempty"`
	VolumeMuteSegments []MuteSegment                 `json:"volumeMuteSegments,omitempty"`

	// SourceDuration is the decoded length of the file in seconds, 0 until known.
	SourceDuration float64 `json:"sourceDuration,omitempty"`
	// DecodeFailed marks a track that live playback skips.
	DecodeFailed bool `json:"-"`
}

// HasBPM reports whether the track has been analyzed.
func (t *Track) HasBPM() bool {
	return t.BPM != nil && *t.BPM > 0
}

// BPMValue returns the bpm or 0 when unanalyzed.
func (t *Track) BPMValue() float64 {
	if t.BPM == nil {
		return 0
	}
	return *t.BPM
}

// OriginalBPMValue falls back to the current bpm.
func (t *Track) OriginalBPMValue() float64 {
	if t.OriginalBPM != nil && *t.OriginalBPM > 0 {
		return *t.OriginalBPM
	}
	return t.BPMValue()
}

// FirstBeatMsValue returns the first beat offset or 0.
func (t *Track) FirstBeatMsValue() float64 {
	if t.FirstBeatMs == nil {
		return 0
	}
	return *t.FirstBeatMs
}

// Envelope returns the raw points of one lane.
func (t *Track) Envelope(param EnvelopeParam) []GainPoint {
	if t.Envelopes == nil {
		return nil
	}
	return t.Envelopes[param]
}

// SetEnvelope replaces the raw points of one lane.
func (t *Track) SetEnvelope(param EnvelopeParam, points []GainPoint) {
	if t.Envelopes == nil {
		t.Envelopes = make(map[EnvelopeParam][]GainPoint, len(EnvelopeParams))
	}
	t.Envelopes[param] = points
}

// Clone returns a deep copy that shares nothing with t.
func (t *Track) Clone() *Track {
	c := *t
	c.BPM = cloneFloat(t.BPM)
	c.OriginalBPM = cloneFloat(t.OriginalBPM)
	c.FirstBeatMs = cloneFloat(t.FirstBeatMs)
	if t.Envelopes != nil {
		c.Envelopes = make(map[EnvelopeParam][]GainPoint, len(t.Envelopes))
		for p, pts := range t.Envelopes {
			c.Envelopes[p] = append([]GainPoint(nil), pts...)
		}
	}
	c.VolumeMuteSegments = append([]MuteSegment(nil), t.VolumeMuteSegments...)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v)
}

// Float returns a pointer to v, handy for the optional fields.
func Float(v float64) *float64 {
	return &v
}
