package waveform

// Band is one frequency band of the analysis data, one byte per frame and channel.
// PeakLeft/PeakRight are optional; the average arrays stand in for them.
type Band struct {
	Left      []uint8 `json:"left"`
	Right     []uint8 `json:"right"`
	PeakLeft  []uint8 `json:"peakLeft,omitempty"`
	PeakRight []uint8 `json:"peakRight,omitempty"`
}

func (b *Band) frames() int {
	return min(len(b.Left), len(b.Right))
}

func (b *Band) peakLeftAt(i int) uint8 {
	if i < len(b.PeakLeft) {
		return b.PeakLeft[i]
	}
	return b.Left[i]
}

func (b *Band) peakRightAt(i int) uint8 {
	if i < len(b.PeakRight) {
		return b.PeakRight[i]
	}
	return b.Right[i]
}

// BandData is the multi-band waveform of a file.
type BandData struct {
	Duration   float64 `json:"duration"`
	SampleRate float64 `json:"sampleRate"`
	Step       float64 `json:"step"`
	Low        Band    `json:"low"`
	Mid        Band    `json:"mid"`
	High       Band    `json:"high"`
	All        Band    `json:"all"`
}

// FrameCount is the frame count every band array can serve.
func (d *BandData) FrameCount() int {
	if d == nil {
		return 0
	}
	return min(d.Low.frames(), d.Mid.frames(), d.High.frames(), d.All.frames())
}

// Clone returns a deep copy of d.
func (d *BandData) Clone() *BandData {
	if d == nil {
		return nil
	}
	c := *d
	c.Low, c.Mid, c.High, c.All = d.Low.clone(), d.Mid.clone(), d.High.clone(), d.All.clone()
	return &c
}

func (b Band) clone() Band {
	return Band{
		Left:      append([]uint8(nil), b.Left...),
		Right:     append([]uint8(nil), b.Right...),
		PeakLeft:  append([]uint8(nil), b.PeakLeft...),
		PeakRight: append([]uint8(nil), b.PeakRight...),
	}
}

// RawData is the min/max envelope of the decoded signal at Rate points per second.
type RawData struct {
	Duration   float64   `json:"duration"`
	SampleRate float64   `json:"sampleRate"`
	Rate       float64   `json:"rate"`
	Frames     int       `json:"frames"`
	MinLeft    []float32 `json:"minLeft"`
	MaxLeft    []float32 `json:"maxLeft"`
	MinRight   []float32 `json:"minRight"`
	MaxRight   []float32 `json:"maxRight"`
}

// Clone returns a deep copy of r.
func (r *RawData) Clone() *RawData {
	if r == nil {
		return nil
	}
	c := *r
	c.MinLeft = append([]float32(nil), r.MinLeft...)
	c.MaxLeft = append([]float32(nil), r.MaxLeft...)
	c.MinRight = append([]float32(nil), r.MinRight...)
	c.MaxRight = append([]float32(nil), r.MaxRight...)
	return &c
}

// Usable reports whether the raw path can be drawn from this data.
func (r *RawData) Usable() bool {
	return r != nil && r.Rate > 0 && r.frameCount() > 0
}

func (r *RawData) frameCount() int {
	return min(len(r.MinLeft), len(r.MaxLeft), len(r.MinRight), len(r.MaxRight))
}

func at32(s []float32, i int) float64 {
	if i < 0 || i >= len(s) {
		return 0
	}
	return float64(s[i])
}
