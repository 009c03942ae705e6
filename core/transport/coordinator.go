package transport

import (
	"math"
	"sort"

	"Bt1Mix/core/tempo"
	"Bt1Mix/logger"

	"go.uber.org/zap"
)

// Param addresses one automatable parameter of a playing voice.
type Param int

const (
	ParamRate Param = iota
	ParamEqLow
	ParamEqMid
	ParamEqHigh
	ParamVolume
	ParamGain
)

func (p Param) String() string {
	switch p {
	case ParamRate:
		return "rate"
	case ParamEqLow:
		return "eqLow"
	case ParamEqMid:
		return "eqMid"
	case ParamEqHigh:
		return "eqHigh"
	case ParamVolume:
		return "volume"
	case ParamGain:
		return "gain"
	default:
		return "unknown"
	}
}

// Voice is the audio side of a node. The coordinator never touches samples,
// it only schedules parameter targets.
type Voice interface {
	// Rate is the current playback rate.
	Rate() float64
	// SetTarget approaches value exponentially from atSec with the given time constant.
	SetTarget(param Param, value, atSec, timeConstant float64)
}

const (
	// ParamTimeConstant smooths every scheduled change.
	ParamTimeConstant = 0.04

	maxIntegrateGapSec = 2.0
	sourceTailSec      = 0.001
)

// ProbeBuffer is the decoded channel 0 of a source, used for transient probing.
type ProbeBuffer struct {
	Samples    []float32
	SampleRate float64
}

// Duration is the buffer length in seconds.
func (p *ProbeBuffer) Duration() float64 {
	if p == nil || p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / p.SampleRate
}

// Node is the runtime sync state of one playing entry.
type Node struct {
	Entry *Entry
	Voice Voice
	Probe *ProbeBuffer

	RuntimeAnchorSec   float64
	PhaseLocked        bool
	LockMasterID       string
	EstimatedSourceSec float64
	LastTimelineSec    float64

	anchorSet    bool
	hasEstimate  bool
	hasLastClock bool
}

// NewNode wraps an entry and its voice.
func NewNode(entry *Entry, voice Voice, probe *ProbeBuffer) *Node {
	return &Node{Entry: entry, Voice: voice, Probe: probe}
}

// TrackID is the id of the entry's track.
func (n *Node) TrackID() string { return n.Entry.TrackID }

// ResetSync drops the captured anchor and position estimate.
func (n *Node) ResetSync() {
	n.RuntimeAnchorSec = 0
	n.PhaseLocked = false
	n.LockMasterID = ""
	n.EstimatedSourceSec = 0
	n.LastTimelineSec = 0
	n.anchorSet = false
	n.hasEstimate = false
	n.hasLastClock = false
}

// Diagnostic describes what one tick did to one active node.
type Diagnostic struct {
	TrackID                  string   `json:"trackId"`
	Master                   bool     `json:"master"`
	BPM                      float64  `json:"bpm"`
	BeatSec                  float64  `json:"beatSec"`
	SyncAnchorSec            float64  `json:"syncAnchorSec"`
	OriginSyncAnchorSec      float64  `json:"originSyncAnchorSec"`
	PhaseAnchorCorrectionSec float64  `json:"phaseAnchorCorrectionSec"`
	BaseRate                 float64  `json:"baseRate"`
	CurrentRate              float64  `json:"currentRate"`
	TempoScale               float64  `json:"tempoScale"`
	TempoSyncedRate          float64  `json:"tempoSyncedRate"`
	RawPhaseErrorSec         float64  `json:"rawPhaseErrorSec"`
	PostPhaseErrorSec        float64  `json:"postPhaseErrorSec"`
	PhaseErrorSec            float64  `json:"phaseErrorSec"`
	PhasePull                float64  `json:"phasePull"`
	AppliedRate              float64  `json:"appliedRate"`
	TransientLagMs           *float64 `json:"transientLagMs"`
	TransientCorr            *float64 `json:"transientCorr"`
	TransientWindowMs        *float64 `json:"transientWindowMs"`
}

// Result is the outcome of one sync tick.
type Result struct {
	MasterTrackID    string
	ActiveTrackCount int
	Diagnostics      []Diagnostic
}

// ApplySync runs one control tick over nodes.
//
// Active nodes are tempo-synced entries with a beat period whose window
// contains timelineSec. The previous master keeps the role while it stays
// active, otherwise the earliest starting active node takes over. The master
// is resolved first and plays at its base rate; followers capture a phase
// anchor once per master and are pulled toward it.
func ApplySync(nodes []*Node, timelineSec float64, masterID string, now float64, collectDiagnostics bool) Result {
	active := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		if node == nil || node.Entry == nil {
			continue
		}
		e := node.Entry
		if !e.MasterTempo || !finite(e.BeatSec) || e.BeatSec <= 0 {
			continue
		}
		if e.Contains(timelineSec) {
			active = append(active, node)
		}
	}
	if len(active) == 0 {
		return Result{}
	}

	master := selectMaster(active, masterID)
	masterEntry := master.Entry
	ordered := make([]*Node, 0, len(active))
	ordered = append(ordered, master)
	for _, node := range active {
		if node != master {
			ordered = append(ordered, node)
		}
	}

	var diagnostics []Diagnostic
	masterEstimate, masterHasEstimate := 0.0, false
	for _, node := range ordered {
		e := node.Entry
		isMaster := node == master
		origin := finiteOr(e.SyncAnchorSec, 0)
		baseRate := clamp(e.TempoRatio, tempo.MinRate, tempo.MaxRate)
		currentRate := 1.0
		if node.Voice != nil {
			currentRate = node.Voice.Rate()
		}
		if currentRate == 0 || !finite(currentRate) {
			currentRate = 1
		}
		currentRate = clamp(currentRate, tempo.MinRate, tempo.MaxRate)

		anchor := origin
		if node.anchorSet && finite(node.RuntimeAnchorSec) {
			anchor = node.RuntimeAnchorSec
		}
		if isMaster {
			anchor = origin
			node.PhaseLocked = true
			node.LockMasterID = master.TrackID()
		} else if node.LockMasterID != master.TrackID() {
			node.PhaseLocked = false
			node.LockMasterID = master.TrackID()
		}
		node.RuntimeAnchorSec = anchor
		node.anchorSet = true

		d := Diagnostic{
			TrackID:         node.TrackID(),
			Master:          isMaster,
			BPM:             e.BPM,
			BeatSec:         e.BeatSec,
			BaseRate:        baseRate,
			CurrentRate:     currentRate,
			TempoScale:      1,
			TempoSyncedRate: baseRate,
			AppliedRate:     baseRate,
		}
		if !isMaster {
			params := tempo.Params{
				BaseRate:          baseRate,
				TargetBPM:         e.BPM,
				MasterBPM:         masterEntry.BPM,
				TargetAnchorSec:   anchor,
				MasterAnchorSec:   masterEntry.SyncAnchorSec,
				TimelineSec:       timelineSec,
				PhaseLockStrength: tempo.TransportPhaseLockStrength,
				MaxPhasePull:      tempo.TransportMaxPhasePull,
			}
			raw := tempo.ResolveRate(params)
			d.RawPhaseErrorSec = raw.PhaseErrorSec
			post := raw
			if !node.PhaseLocked {
				anchor -= raw.PhaseErrorSec
				node.RuntimeAnchorSec = anchor
				node.PhaseLocked = true
				params.TargetAnchorSec = anchor
				post = tempo.ResolveRate(params)
			}
			d.PostPhaseErrorSec = post.PhaseErrorSec
			d.PhaseErrorSec = post.PhaseErrorSec
			d.PhasePull = post.PhasePull
			d.TempoScale = post.TempoScale
			d.TempoSyncedRate = post.TempoSyncedRate
			d.AppliedRate = post.Rate
		}
		d.SyncAnchorSec = anchor
		d.OriginSyncAnchorSec = origin
		d.PhaseAnchorCorrectionSec = anchor - origin

		if node.Voice != nil {
			node.Voice.SetTarget(ParamRate, d.AppliedRate, now, ParamTimeConstant)
		}
		estimate, hasEstimate := node.updateEstimate(timelineSec, d.AppliedRate)
		if isMaster {
			masterEstimate, masterHasEstimate = estimate, hasEstimate
		}

		if !collectDiagnostics {
			continue
		}
		if !isMaster && masterHasEstimate && hasEstimate {
			if lag, ok := transientLag(master.Probe, node.Probe, masterEstimate, estimate); ok {
				d.TransientLagMs = &lag.LagMs
				d.TransientCorr = &lag.Correlation
				d.TransientWindowMs = &lag.WindowMs
			}
		}
		diagnostics = append(diagnostics, d)
	}

	return Result{
		MasterTrackID:    master.TrackID(),
		ActiveTrackCount: len(active),
		Diagnostics:      diagnostics,
	}
}

func selectMaster(active []*Node, previous string) *Node {
	if previous != "" {
		for _, node := range active {
			if node.TrackID() == previous {
				return node
			}
		}
	}
	sorted := append([]*Node(nil), active...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Entry.StartSec < sorted[j].Entry.StartSec })
	return sorted[0]
}

func (n *Node) sourceDuration() float64 {
	if d := n.Probe.Duration(); d > 0 {
		return d
	}
	if d := n.Entry.SourceDuration; finite(d) && d > 0 {
		return d
	}
	return 0
}

// updateEstimate integrates the position inside the source. It restarts from
// the timeline offset when the clock jumps backwards or by more than 2 s.
func (n *Node) updateEstimate(timelineSec, rate float64) (float64, bool) {
	duration := n.sourceDuration()
	if duration <= 0 {
		return 0, false
	}
	safeRate := clamp(rate, tempo.MinRate, tempo.MaxRate)
	var estimated float64
	if n.hasLastClock && n.hasEstimate && timelineSec >= n.LastTimelineSec && timelineSec-n.LastTimelineSec <= maxIntegrateGapSec {
		estimated = n.EstimatedSourceSec + (timelineSec-n.LastTimelineSec)*safeRate
	} else {
		estimated = math.Max(0, timelineSec-n.Entry.StartSec) * safeRate
	}
	if !finite(estimated) {
		return 0, false
	}
	estimated = clamp(estimated, 0, math.Max(0, duration-sourceTailSec))
	n.EstimatedSourceSec = estimated
	n.hasEstimate = true
	n.LastTimelineSec = timelineSec
	n.hasLastClock = true
	return estimated, true
}

// Coordinator carries the master across ticks.
type Coordinator struct {
	// CollectDiagnostics enables per-node diagnostics and transient probing.
	CollectDiagnostics bool

	masterID string
}

// MasterID is the master chosen by the last tick.
func (c *Coordinator) MasterID() string { return c.masterID }

// Reset forgets the master, e.g. when transport stops.
func (c *Coordinator) Reset() { c.masterID = "" }

// Apply runs one tick and remembers the resulting master.
func (c *Coordinator) Apply(nodes []*Node, timelineSec, now float64) Result {
	res := ApplySync(nodes, timelineSec, c.masterID, now, c.CollectDiagnostics)
	if res.MasterTrackID != c.masterID {
		logger.Debug("sync master changed",
			logger.String("from", c.masterID),
			logger.String("to", res.MasterTrackID),
			logger.Float64("timelineSec", timelineSec))
	}
	c.masterID = res.MasterTrackID
	for _, d := range res.Diagnostics {
		if d.Master {
			continue
		}
		fields := []zap.Field{
			logger.String("trackId", d.TrackID),
			logger.Float64("appliedRate", d.AppliedRate),
			logger.Float64("phaseErrorSec", d.PhaseErrorSec),
			logger.Float64("phasePull", d.PhasePull),
			logger.Float64("anchorCorrectionSec", d.PhaseAnchorCorrectionSec),
		}
		if d.TransientLagMs != nil {
			fields = append(fields,
				logger.Float64("transientLagMs", *d.TransientLagMs),
				logger.Float64("transientCorr", *d.TransientCorr))
		}
		logger.Debug("sync follower", fields...)
	}
	return res
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOr(v, fallback float64) float64 {
	if !finite(v) {
		return fallback
	}
	return v
}
