package playback

import (
	"fmt"
	"io"
	"sync"

	"github.com/hajimehoshi/oto/v2"
)

const (
	// OutputChannels 输出固定为立体声
	OutputChannels = 2
	bytesPerFrame  = 8 // float32 x 2
)

// Player is a started audio output.
type Player interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// Output creates players for float32 LE stereo streams.
type Output interface {
	SampleRate() int
	NewPlayer(r io.Reader) (Player, error)
}

// OtoOutput plays through the system audio device.
type OtoOutput struct {
	sampleRate int

	once  sync.Once
	ctx   *oto.Context
	ready chan struct{}
	err   error
}

// NewOtoOutput prepares an output at sampleRate. The device opens on first use
// since a process may only hold one oto context.
func NewOtoOutput(sampleRate int) *OtoOutput {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &OtoOutput{sampleRate: sampleRate}
}

// SampleRate is the device rate.
func (o *OtoOutput) SampleRate() int { return o.sampleRate }

// NewPlayer opens the device if needed and wraps r in a player.
func (o *OtoOutput) NewPlayer(r io.Reader) (Player, error) {
	o.once.Do(func() {
		o.ctx, o.ready, o.err = oto.NewContext(o.sampleRate, OutputChannels, oto.FormatFloat32LE)
	})
	if o.err != nil {
		return nil, fmt.Errorf("open audio device: %w", o.err)
	}
	<-o.ready
	return o.ctx.NewPlayer(r), nil
}
