package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Bt1Mix/core/waveform"
	"Bt1Mix/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultAnalysisWorkers = 3
	defaultPCMCacheSize    = 4
)

// Local runs analysis in-process on top of Decoder.
type Local struct {
	decoder *Decoder
	store   WaveformStore
	workers int

	group singleflight.Group

	mu       sync.Mutex
	pcm      map[string]*PCM
	pcmOrder []string
	pcmLimit int
}

// NewLocal creates a local analysis service. store may be nil.
func NewLocal(decoder *Decoder, store WaveformStore) *Local {
	if decoder == nil {
		decoder = NewDecoder("")
	}
	return &Local{
		decoder:  decoder,
		store:    store,
		workers:  defaultAnalysisWorkers,
		pcm:      make(map[string]*PCM),
		pcmLimit: defaultPCMCacheSize,
	}
}

// SetWorkers sets the batch concurrency.
func (l *Local) SetWorkers(n int) {
	if n > 0 {
		l.workers = n
	}
}

// Decode decodes filePath. Concurrent calls for one path share a single decode
// and the last few results stay in memory.
func (l *Local) Decode(ctx context.Context, filePath string) (*PCM, error) {
	if p := l.cachedPCM(filePath); p != nil {
		return p, nil
	}
	v, err, shared := l.group.Do(filePath, func() (interface{}, error) {
		start := time.Now()
		p, err := l.decoder.Decode(ctx, filePath)
		if err != nil {
			return nil, err
		}
		logger.Debug("音频解码完成",
			logger.String("file", filePath),
			logger.Int("frames", len(p.Samples)),
			logger.Int("sampleRate", p.SampleRate),
			logger.Duration("elapsed", time.Since(start)))
		l.rememberPCM(filePath, p)
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	if shared {
		logger.Debug("复用进行中的解码", logger.String("file", filePath))
	}
	return v.(*PCM), nil
}

// Forget drops the in-memory decode of filePath.
func (l *Local) Forget(filePath string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pcm[filePath]; !ok {
		return
	}
	delete(l.pcm, filePath)
	for i, p := range l.pcmOrder {
		if p == filePath {
			l.pcmOrder = append(l.pcmOrder[:i], l.pcmOrder[i+1:]...)
			break
		}
	}
}

func (l *Local) cachedPCM(filePath string) *PCM {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pcm[filePath]
}

func (l *Local) rememberPCM(filePath string, p *PCM) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pcm[filePath]; ok {
		return
	}
	l.pcm[filePath] = p
	l.pcmOrder = append(l.pcmOrder, filePath)
	for len(l.pcmOrder) > l.pcmLimit {
		delete(l.pcm, l.pcmOrder[0])
		l.pcmOrder = l.pcmOrder[1:]
	}
}

// forEach runs fn over paths with bounded concurrency. Failures are logged
// and the path is left out of the result.
func (l *Local) forEach(ctx context.Context, what string, paths []string, fn func(ctx context.Context, path string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := fn(gctx, path); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn(what+"失败",
					logger.String("file", path),
					logger.ErrorField(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// DetectBPM estimates tempo and first beat of each file.
func (l *Local) DetectBPM(ctx context.Context, filePaths []string) ([]BPMResult, error) {
	paths, index := uniquePaths(filePaths)
	results := make([]*BPMResult, len(paths))
	err := l.forEach(ctx, "BPM检测", paths, func(ctx context.Context, path string) error {
		pcm, err := l.Decode(ctx, path)
		if err != nil {
			return err
		}
		bpm, firstBeat := EstimateBPM(pcm)
		results[index[path]] = &BPMResult{FilePath: path, BPM: bpm, FirstBeatMs: firstBeat}
		return nil
	})
	return compact(results), err
}

// FetchWaveform returns band data, from the store when it has it.
func (l *Local) FetchWaveform(ctx context.Context, filePaths []string) ([]WaveformResult, error) {
	paths, index := uniquePaths(filePaths)
	results := make([]*WaveformResult, len(paths))
	err := l.forEach(ctx, "波形分析", paths, func(ctx context.Context, path string) error {
		if l.store != nil {
			if bands, err := l.store.GetBands(ctx, path); err != nil {
				logger.Warn("读取波形缓存失败", logger.String("file", path), logger.ErrorField(err))
			} else if bands != nil {
				results[index[path]] = &WaveformResult{FilePath: path, Bands: bands}
				return nil
			}
		}
		pcm, err := l.Decode(ctx, path)
		if err != nil {
			return err
		}
		bands := ComputeBands(pcm)
		if bands == nil {
			return fmt.Errorf("no audio in %s", path)
		}
		if l.store != nil {
			if err := l.store.SetBands(ctx, path, bands); err != nil {
				logger.Warn("写入波形缓存失败", logger.String("file", path), logger.ErrorField(err))
			}
		}
		results[index[path]] = &WaveformResult{FilePath: path, Bands: bands}
		return nil
	})
	return compact(results), err
}

// FetchRawWaveform returns min/max peaks at targetRate.
func (l *Local) FetchRawWaveform(ctx context.Context, filePaths []string, targetRate float64) ([]RawResult, error) {
	if !(targetRate > 0) {
		targetRate = waveform.RawTargetRate
	}
	paths, index := uniquePaths(filePaths)
	results := make([]*RawResult, len(paths))
	err := l.forEach(ctx, "原始波形分析", paths, func(ctx context.Context, path string) error {
		if l.store != nil {
			if raw, err := l.store.GetRaw(ctx, path, targetRate); err != nil {
				logger.Warn("读取原始波形缓存失败", logger.String("file", path), logger.ErrorField(err))
			} else if raw != nil {
				results[index[path]] = &RawResult{FilePath: path, Raw: raw}
				return nil
			}
		}
		pcm, err := l.Decode(ctx, path)
		if err != nil {
			return err
		}
		raw := ComputeRaw(pcm, targetRate)
		if raw == nil {
			return fmt.Errorf("no audio in %s", path)
		}
		if l.store != nil {
			if err := l.store.SetRaw(ctx, path, targetRate, raw); err != nil {
				logger.Warn("写入原始波形缓存失败", logger.String("file", path), logger.ErrorField(err))
			}
		}
		results[index[path]] = &RawResult{FilePath: path, Raw: raw}
		return nil
	})
	return compact(results), err
}

// uniquePaths drops duplicates and empty paths, keeping first-seen order.
func uniquePaths(in []string) ([]string, map[string]int) {
	paths := make([]string, 0, len(in))
	index := make(map[string]int, len(in))
	for _, p := range in {
		if _, seen := index[p]; seen || p == "" {
			continue
		}
		index[p] = len(paths)
		paths = append(paths, p)
	}
	return paths, index
}

func compact[T any](in []*T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}
