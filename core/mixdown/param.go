package mixdown

import (
	"math"
	"sort"
)

// Quantum is the k-rate block size: parameters hold one value per 128 frames.
const Quantum = 128

type targetEvent struct {
	at     float64
	target float64
	tc     float64
}

// AudioParam is a k-rate automatable value. SetTargetAtTime events approach
// their target exponentially starting from wherever the value is at that time.
type AudioParam struct {
	initial float64
	events  []targetEvent

	next      int
	active    targetEvent
	hasActive bool
	v0        float64
	value     float64
	last      float64
}

// NewAudioParam creates a parameter resting at value.
func NewAudioParam(value float64) *AudioParam {
	return &AudioParam{initial: value, value: value, v0: value, last: value}
}

// SetTargetAtTime schedules an approach to target from atSec. Events may
// arrive out of order; a repeat of the last target is dropped since it
// continues the same curve.
func (p *AudioParam) SetTargetAtTime(target, atSec, timeConstant float64) {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return
	}
	if p.last == target {
		return
	}
	p.last = target
	e := targetEvent{at: math.Max(0, atSec), target: target, tc: math.Max(0, timeConstant)}
	n := len(p.events)
	if n == 0 || p.events[n-1].at <= e.at {
		p.events = append(p.events, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return p.events[i].at > e.at })
	p.events = append(p.events, targetEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = e
}

// LastTarget is the most recently scheduled target, or the initial value.
func (p *AudioParam) LastTarget() float64 { return p.last }

// Events is the number of scheduled events not yet reached by Advance.
func (p *AudioParam) Events() int { return len(p.events) }

// Advance moves the parameter to t and returns its value there. t must not
// go backwards between calls.
func (p *AudioParam) Advance(t float64) float64 {
	for p.next < len(p.events) && p.events[p.next].at <= t {
		e := p.events[p.next]
		p.v0 = p.valueAt(e.at)
		p.active = e
		p.hasActive = true
		p.next++
	}
	// 已生效的事件不再需要，播放时每个 tick 都会追加
	if p.next > 0 {
		n := copy(p.events, p.events[p.next:])
		p.events = p.events[:n]
		p.next = 0
	}
	p.value = p.valueAt(t)
	return p.value
}

// Value is the value computed by the last Advance.
func (p *AudioParam) Value() float64 { return p.value }

func (p *AudioParam) valueAt(t float64) float64 {
	if !p.hasActive {
		return p.initial
	}
	e := p.active
	if e.tc <= 0 {
		return e.target
	}
	dt := math.Max(0, t-e.at)
	return e.target + (p.v0-e.target)*math.Exp(-dt/e.tc)
}
