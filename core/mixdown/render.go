// Package mixdown bounces a mixtape timeline offline into a stereo WAV file.
package mixdown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"Bt1Mix/core/analysis"
	"Bt1Mix/core/transport"
	"Bt1Mix/logger"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSampleRate is used when no buffer decodes to a usable rate.
	DefaultSampleRate = 44100
	maxDecodeWorkers  = 3
	renderReportEvery = 200 // quanta
)

var (
	ErrNoTracks        = errors.New("no tracks to render")
	ErrNoDuration      = errors.New("mixtape has no duration")
	ErrMissingDuration = errors.New("some tracks have no known duration")
)

// DecodeError reports the tracks whose audio could not be decoded.
type DecodeError struct {
	Failed int
	Paths  []string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to render %d tracks: %s", e.Failed, strings.Join(e.Paths, ", "))
}

// Decoder provides decoded audio for a file path.
type Decoder interface {
	Decode(ctx context.Context, filePath string) (*analysis.PCM, error)
}

// Options controls a bounce.
type Options struct {
	// OutputPath is the WAV file to write.
	OutputPath string
	// SampleRate overrides the output rate. 0 follows the first decoded buffer.
	SampleRate int
	// MissingDuration is the number of tracks skipped by entry planning.
	MissingDuration int
	// CollectDiagnostics logs per-follower sync diagnostics.
	CollectDiagnostics bool
}

// Result describes a finished bounce.
type Result struct {
	Path       string        `json:"path"`
	Bytes      int64         `json:"bytes"`
	Duration   float64       `json:"duration"`
	SampleRate int           `json:"sampleRate"`
	Channels   int           `json:"channels"`
	TrackCount int           `json:"trackCount"`
	Frames     int           `json:"frames"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Bounce decodes every entry, schedules automation, renders the mix and
// writes it to opts.OutputPath.
func Bounce(ctx context.Context, entries []*transport.Entry, decoder Decoder, opts Options, progress ProgressFunc) (*Result, error) {
	started := time.Now()
	progress.report(StagePreparing, 0, 1)

	if len(entries) == 0 {
		return nil, ErrNoTracks
	}
	if opts.MissingDuration > 0 {
		return nil, fmt.Errorf("%w: %d", ErrMissingDuration, opts.MissingDuration)
	}
	duration := transport.TotalDuration(entries)
	if !(duration > 0) || math.IsInf(duration, 0) {
		return nil, ErrNoDuration
	}
	if opts.OutputPath == "" {
		return nil, errors.New("no output path")
	}

	buffers, err := decodeAll(ctx, entries, decoder, progress)
	if err != nil {
		return nil, err
	}

	outRate := opts.SampleRate
	if outRate <= 0 {
		for _, e := range entries {
			if pcm := buffers[e.FilePath]; pcm != nil && pcm.SampleRate > 0 {
				outRate = pcm.SampleRate
				break
			}
		}
	}
	if outRate <= 0 {
		outRate = DefaultSampleRate
	}

	voices := make([]*TrackVoice, 0, len(entries))
	nodes := make([]*transport.Node, 0, len(entries))
	for _, e := range entries {
		pcm := buffers[e.FilePath]
		v := NewTrackVoice(e, PCMBuffer(pcm), float64(outRate))
		voices = append(voices, v)
		probe := &transport.ProbeBuffer{Samples: pcm.Channel0(), SampleRate: float64(pcm.SampleRate)}
		nodes = append(nodes, transport.NewNode(e, v, probe))
	}

	coord := &transport.Coordinator{CollectDiagnostics: opts.CollectDiagnostics}
	stats, err := Schedule(ctx, nodes, duration, coord, func(done, total int) {
		progress.report(StageScheduling, done, total)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("自动化调度完成",
		logger.Int("steps", stats.Steps),
		logger.Int("events", stats.Events),
		logger.Int("masterChanges", stats.MasterChanges),
		logger.String("lastMaster", stats.LastMasterID))

	samples, err := renderGraph(ctx, NewGraph(voices, float64(outRate)), duration, progress)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", opts.OutputPath, err)
	}
	encodeErr := EncodeWAV(ctx, f, samples, numChannel, outRate, func(done, total int) {
		progress.report(StageEncoding, done, total)
	})
	closeErr := f.Close()
	if encodeErr != nil {
		os.Remove(opts.OutputPath)
		return nil, fmt.Errorf("encode wav: %w", encodeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close %s: %w", opts.OutputPath, closeErr)
	}

	frames := len(samples) / numChannel
	res := &Result{
		Path:       opts.OutputPath,
		Bytes:      int64(WAVHeaderSize + len(samples)*2),
		Duration:   duration,
		SampleRate: outRate,
		Channels:   numChannel,
		TrackCount: len(entries),
		Frames:     frames,
		Elapsed:    time.Since(started),
	}
	logger.Info("混音导出完成",
		logger.String("path", res.Path),
		logger.Float64("duration", res.Duration),
		logger.Int("sampleRate", res.SampleRate),
		logger.Int("tracks", res.TrackCount),
		logger.Duration("elapsed", res.Elapsed))
	return res, nil
}

// decodeAll decodes each distinct file once with at most three workers.
func decodeAll(ctx context.Context, entries []*transport.Entry, decoder Decoder, progress ProgressFunc) (map[string]*analysis.PCM, error) {
	var paths []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.FilePath] {
			seen[e.FilePath] = true
			paths = append(paths, e.FilePath)
		}
	}

	var (
		mu      sync.Mutex
		buffers = make(map[string]*analysis.PCM, len(paths))
		failed  []string
		done    int
	)
	progress.report(StageDecoding, 0, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(maxDecodeWorkers, len(paths)))
	for _, path := range paths {
		path := path
		g.Go(func() error {
			pcm, err := decoder.Decode(gctx, path)
			if err == nil && (pcm == nil || len(pcm.Samples) == 0 || pcm.SampleRate <= 0) {
				err = errors.New("empty audio")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn("解码失败", logger.String("file", path), logger.ErrorField(err))
				failed = append(failed, path)
			} else {
				buffers[path] = pcm
			}
			done++
			progress.report(StageDecoding, done, len(paths))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		failedTracks := 0
		for _, e := range entries {
			if buffers[e.FilePath] == nil {
				failedTracks++
			}
		}
		return nil, &DecodeError{Failed: failedTracks, Paths: failed}
	}
	return buffers, nil
}

// renderGraph pulls ceil(duration*rate) frames out of the graph in quanta
// and returns them interleaved.
func renderGraph(ctx context.Context, g *Graph, duration float64, progress ProgressFunc) ([]float32, error) {
	totalFrames := int(math.Ceil(duration * g.outRate))
	out := make([]float32, totalFrames*numChannel)
	block := make([][2]float64, Quantum)
	progress.report(StageRendering, 0, totalFrames)
	quanta := 0
	for frame := 0; frame < totalFrames; frame += Quantum {
		if quanta%renderReportEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		n := min(Quantum, totalFrames-frame)
		g.Pull(frame, block[:n])
		for i, s := range block[:n] {
			out[(frame+i)*2] = float32(s[0])
			out[(frame+i)*2+1] = float32(s[1])
		}
		quanta++
		if quanta%renderReportEvery == 0 {
			progress.report(StageRendering, frame+n, totalFrames)
		}
	}
	progress.report(StageRendering, totalFrames, totalFrames)
	return out, nil
}
