// Package playback plays a mixtape live: the mix graph feeds the audio output
// while a 60 Hz control tick applies envelopes and tempo sync.
package playback

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"Bt1Mix/core/analysis"
	"Bt1Mix/core/mixdown"
	"Bt1Mix/core/transport"
	"Bt1Mix/logger"
	"Bt1Mix/model"

	"golang.org/x/sync/errgroup"
)

const (
	// TickInterval is the control tick period.
	TickInterval  = time.Second / 60
	decodeWorkers = 3
)

var (
	// ErrNothingToPlay is returned when no track could be prepared.
	ErrNothingToPlay = errors.New("nothing to play")
	// ErrSuperseded is returned by a Play that a later Play or Stop replaced.
	ErrSuperseded = errors.New("playback request superseded")
)

// Status is a snapshot of the transport.
type Status struct {
	Playing       bool    `json:"playing"`
	TimelineSec   float64 `json:"timelineSec"`
	DurationSec   float64 `json:"durationSec"`
	MasterTrackID string  `json:"masterTrackId"`
	ActiveTracks  int     `json:"activeTracks"`
	Generation    uint64  `json:"generation"`
}

// Engine owns one playing graph at a time.
type Engine struct {
	decoder mixdown.Decoder
	output  Output

	// OnTick, if set, receives the status after every control tick.
	OnTick func(Status)
	// OnEnd, if set, is called once when playback reaches the end.
	OnEnd func()

	mu         sync.Mutex
	generation uint64
	session    *session
}

// session is one Play call's graph and clock. graphLock serializes the
// control tick against the audio reader.
type session struct {
	generation uint64
	graphLock  sync.Mutex
	graph      *mixdown.Graph
	nodes      []*transport.Node
	entries    map[string]*transport.Entry
	coord      transport.Coordinator
	player     Player

	startFrame int
	frame      int
	endFrame   int
	outRate    float64
	block      [][2]float64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine decoding through decoder and playing to output.
func NewEngine(decoder mixdown.Decoder, output Output) *Engine {
	return &Engine{decoder: decoder, output: output}
}

// Play decodes the tracks and starts playback at fromSec. Files that fail to
// decode are skipped and returned in failed; tracks are never modified. Any
// previous playback stops.
func (e *Engine) Play(ctx context.Context, tracks []*model.Track, fromSec float64) (failed []string, err error) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	prev := e.session
	e.session = nil
	e.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	if !(fromSec >= 0) || math.IsInf(fromSec, 0) {
		fromSec = 0
	}
	var playable []*model.Track
	for _, t := range tracks {
		if t != nil && !t.DecodeFailed {
			playable = append(playable, t)
		}
	}
	entries, missing := transport.BuildEntries(playable)
	if missing > 0 {
		logger.Warn("部分音轨时长未知，已跳过", logger.Int("count", missing))
	}

	buffers, failed := e.decodeAll(ctx, entries)
	if e.current() != gen {
		return failed, ErrSuperseded
	}

	outRate := float64(e.output.SampleRate())
	s := &session{
		generation: gen,
		entries:    make(map[string]*transport.Entry),
		startFrame: int(math.Round(fromSec * outRate)),
		outRate:    outRate,
		block:      make([][2]float64, mixdown.Quantum),
		stopChan:   make(chan struct{}),
	}
	var voices []*mixdown.TrackVoice
	var duration float64
	for _, entry := range entries {
		pcm := buffers[entry.FilePath]
		if pcm == nil {
			continue
		}
		v := mixdown.NewTrackVoiceAt(entry, mixdown.PCMBuffer(pcm), outRate, fromSec)
		voices = append(voices, v)
		probe := &transport.ProbeBuffer{Samples: pcm.Channel0(), SampleRate: float64(pcm.SampleRate)}
		s.nodes = append(s.nodes, transport.NewNode(entry, v, probe))
		s.entries[entry.TrackID] = entry
		duration = math.Max(duration, entry.EndSec())
	}
	if len(voices) == 0 || duration <= fromSec {
		return failed, ErrNothingToPlay
	}
	s.graph = mixdown.NewGraph(voices, outRate)
	s.frame = s.startFrame
	s.endFrame = int(math.Ceil(duration * outRate))
	// 首个 tick 在出声前完成
	s.tick(fromSec)

	player, err := e.output.NewPlayer(&mixReader{engine: e, session: s})
	if err != nil {
		return failed, err
	}
	s.player = player

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		player.Close()
		return failed, ErrSuperseded
	}
	e.session = s
	e.mu.Unlock()

	player.Play()
	s.wg.Add(1)
	go e.run(s)

	logger.Info("开始播放",
		logger.Int("tracks", len(voices)),
		logger.Float64("fromSec", fromSec),
		logger.Float64("durationSec", duration))
	return failed, nil
}

func (e *Engine) decodeAll(ctx context.Context, entries []*transport.Entry) (map[string]*analysis.PCM, []string) {
	var (
		mu      sync.Mutex
		buffers = make(map[string]*analysis.PCM)
		failed  []string
	)
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(decodeWorkers)
	for _, entry := range entries {
		path := entry.FilePath
		if seen[path] {
			continue
		}
		seen[path] = true
		g.Go(func() error {
			pcm, err := e.decoder.Decode(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || pcm == nil || len(pcm.Samples) == 0 {
				logger.Warn("解码失败，跳过该音轨", logger.String("file", path), logger.ErrorField(err))
				failed = append(failed, path)
				return nil
			}
			buffers[path] = pcm
			return nil
		})
	}
	g.Wait()
	sort.Strings(failed)
	return buffers, failed
}

func (e *Engine) current() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// run is the control loop of one session.
func (e *Engine) run(s *session) {
	defer s.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
		}
		if e.current() != s.generation {
			return
		}
		status, ended := s.tickNow()
		if e.OnTick != nil {
			e.OnTick(status)
		}
		if ended {
			logger.Info("播放结束", logger.Float64("timelineSec", status.TimelineSec))
			e.finish(s)
			return
		}
	}
}

func (e *Engine) finish(s *session) {
	e.mu.Lock()
	if e.session == s {
		e.session = nil
		e.generation++
	}
	e.mu.Unlock()
	s.player.Close()
	if e.OnEnd != nil {
		e.OnEnd()
	}
}

// Stop halts playback. It is safe to call when nothing plays.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.generation++
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s != nil {
		s.stop()
		logger.Info("停止播放")
	}
}

// Status reports the current transport state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.session
	gen := e.generation
	e.mu.Unlock()
	if s == nil {
		return Status{Generation: gen}
	}
	return s.status()
}

// UpdateTrack re-resolves a playing track's envelopes after an edit.
func (e *Engine) UpdateTrack(track *model.Track) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || track == nil {
		return
	}
	s.graphLock.Lock()
	defer s.graphLock.Unlock()
	if entry, ok := s.entries[track.ID]; ok {
		entry.RefreshEnvelopes(track)
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.player != nil {
			s.player.Close()
		}
	})
	s.wg.Wait()
}

func (s *session) tick(timelineSec float64) transport.Result {
	transport.ApplyMixParams(s.nodes, timelineSec, timelineSec)
	return s.coord.Apply(s.nodes, timelineSec, timelineSec)
}

// tickNow runs one control tick at the graph clock.
func (s *session) tickNow() (Status, bool) {
	s.graphLock.Lock()
	defer s.graphLock.Unlock()
	t := float64(s.frame) / s.outRate
	res := s.tick(t)
	return Status{
		Playing:       true,
		TimelineSec:   t,
		DurationSec:   float64(s.endFrame) / s.outRate,
		MasterTrackID: res.MasterTrackID,
		ActiveTracks:  res.ActiveTrackCount,
		Generation:    s.generation,
	}, s.frame >= s.endFrame
}

func (s *session) status() Status {
	s.graphLock.Lock()
	defer s.graphLock.Unlock()
	return Status{
		Playing:       s.frame < s.endFrame,
		TimelineSec:   float64(s.frame) / s.outRate,
		DurationSec:   float64(s.endFrame) / s.outRate,
		MasterTrackID: s.coord.MasterID(),
		Generation:    s.generation,
	}
}

// mixReader feeds the graph to the audio output as float32 LE stereo.
type mixReader struct {
	engine  *Engine
	session *session
}

func (r *mixReader) Read(p []byte) (int, error) {
	s := r.session
	if r.engine.current() != s.generation {
		return 0, io.EOF
	}
	s.graphLock.Lock()
	defer s.graphLock.Unlock()

	frames := len(p) / bytesPerFrame
	written := 0
	for written < frames && s.frame < s.endFrame {
		n := min(mixdown.Quantum, frames-written, s.endFrame-s.frame)
		block := s.block[:n]
		s.graph.Pull(s.frame, block)
		for i, v := range block {
			putStereoF32(p, written+i, v[0], v[1])
		}
		written += n
		s.frame += n
	}
	if written == 0 {
		return 0, io.EOF
	}
	return written * bytesPerFrame, nil
}

func putStereoF32(buf []byte, i int, l, r float64) {
	lv := math.Float32bits(float32(l))
	rv := math.Float32bits(float32(r))
	buf[i*8] = byte(lv)
	buf[i*8+1] = byte(lv >> 8)
	buf[i*8+2] = byte(lv >> 16)
	buf[i*8+3] = byte(lv >> 24)
	buf[i*8+4] = byte(rv)
	buf[i*8+5] = byte(rv >> 8)
	buf[i*8+6] = byte(rv >> 16)
	buf[i*8+7] = byte(rv >> 24)
}
