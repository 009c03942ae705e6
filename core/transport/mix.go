package transport

import "Bt1Mix/model"

// MixValues are the chain parameters of one entry at a local offset.
type MixValues struct {
	EqHighDb float64
	EqMidDb  float64
	EqLowDb  float64
	Volume   float64
	Gain     float64
}

// MixAt samples every lane of the entry at a track-local timeline offset.
func (e *Entry) MixAt(localSec float64) MixValues {
	set := e.Envelopes
	return MixValues{
		EqHighDb: set.EqDbAt(model.ParamHigh, localSec),
		EqMidDb:  set.EqDbAt(model.ParamMid, localSec),
		EqLowDb:  set.EqDbAt(model.ParamLow, localSec),
		Volume:   set.Value(model.ParamVolume, localSec),
		Gain:     set.Value(model.ParamGain, localSec),
	}
}

// ApplyMixParams pushes the envelope values at timelineSec to every node
// whose window contains it. Nodes outside their window are left alone.
func ApplyMixParams(nodes []*Node, timelineSec, now float64) {
	for _, node := range nodes {
		if node == nil || node.Entry == nil || node.Voice == nil {
			continue
		}
		local := timelineSec - node.Entry.StartSec
		if local < 0 || local > node.Entry.Duration {
			continue
		}
		v := node.Entry.MixAt(local)
		node.Voice.SetTarget(ParamEqHigh, v.EqHighDb, now, ParamTimeConstant)
		node.Voice.SetTarget(ParamEqMid, v.EqMidDb, now, ParamTimeConstant)
		node.Voice.SetTarget(ParamEqLow, v.EqLowDb, now, ParamTimeConstant)
		node.Voice.SetTarget(ParamVolume, v.Volume, now, ParamTimeConstant)
		node.Voice.SetTarget(ParamGain, v.Gain, now, ParamTimeConstant)
	}
}
