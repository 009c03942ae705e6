package mixdown

import (
	"context"
	"math"

	"Bt1Mix/core/transport"
)

const (
	// ControlRate is the offline scheduling rate in steps per second.
	ControlRate = 120
	// progressEverySteps 每隔多少步上报一次调度进度
	progressEverySteps = 20
)

// ScheduleStats summarizes one scheduling pass.
type ScheduleStats struct {
	Steps         int
	Events        int
	MasterChanges int
	LastMasterID  string
}

// Schedule walks the timeline at ControlRate from 0 to duration inclusive and
// records envelope and sync automation on every voice. Offline the sync clock
// is the timeline itself. onStep, if set, is called every 20 steps and once
// at the end with the completed and total step counts.
func Schedule(ctx context.Context, nodes []*transport.Node, duration float64, coord *transport.Coordinator, onStep func(done, total int)) (ScheduleStats, error) {
	var stats ScheduleStats
	if coord == nil {
		coord = &transport.Coordinator{}
	}
	if !(duration >= 0) || math.IsInf(duration, 0) {
		duration = 0
	}
	total := int(math.Floor(duration*ControlRate)) + 1
	for i := 0; i < total; i++ {
		if i%progressEverySteps == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		t := math.Min(duration, float64(i)/ControlRate)
		transport.ApplyMixParams(nodes, t, t)
		prev := coord.MasterID()
		res := coord.Apply(nodes, t, t)
		if res.MasterTrackID != "" && res.MasterTrackID != prev {
			stats.MasterChanges++
		}
		stats.Steps++
		if onStep != nil && (i+1)%progressEverySteps == 0 {
			onStep(i+1, total)
		}
	}
	if onStep != nil && total%progressEverySteps != 0 {
		onStep(total, total)
	}
	stats.LastMasterID = coord.MasterID()
	for _, n := range nodes {
		if v, ok := n.Voice.(*TrackVoice); ok {
			stats.Events += v.events()
		}
	}
	return stats, nil
}
