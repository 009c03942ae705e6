package mixdown

import "math"

// Stage names a phase of a bounce.
type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageDecoding   Stage = "decoding"
	StageScheduling Stage = "scheduling"
	StageRendering  Stage = "rendering"
	StageEncoding   Stage = "encoding"
)

// ProgressEvent is one progress report of a bounce.
type ProgressEvent struct {
	Stage   Stage   `json:"stage"`
	Done    int     `json:"done"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// ProgressFunc receives progress events. Calls never overlap.
type ProgressFunc func(ProgressEvent)

// 各阶段的进度区间
var stageRanges = map[Stage][2]float64{
	StagePreparing:  {1, 1},
	StageDecoding:   {5, 40},
	StageScheduling: {42, 68},
	StageRendering:  {70, 92},
	StageEncoding:   {93, 95},
}

func (f ProgressFunc) report(stage Stage, done, total int) {
	if f == nil {
		return
	}
	r := stageRanges[stage]
	ratio := 1.0
	if total > 0 {
		ratio = math.Max(0, math.Min(1, float64(done)/float64(total)))
	}
	f(ProgressEvent{
		Stage:   stage,
		Done:    done,
		Total:   total,
		Percent: math.Round((r[0]+(r[1]-r[0])*ratio)*10) / 10,
	})
}
