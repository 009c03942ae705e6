// Package timeline holds an editable mixtape arrangement together with the
// analysis tables and tile pipeline that draw it.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"Bt1Mix/core/analysis"
	"Bt1Mix/core/envelope"
	"Bt1Mix/core/mixdown"
	"Bt1Mix/core/playback"
	"Bt1Mix/core/tile"
	"Bt1Mix/core/transport"
	"Bt1Mix/core/waveform"
	"Bt1Mix/logger"
	"Bt1Mix/model"

	"github.com/google/uuid"
)

var (
	// ErrTrackNotFound is returned for an unknown track id.
	ErrTrackNotFound = errors.New("track not found")
	// ErrNoTransport is returned by Play when the session has no audio output.
	ErrNoTransport = errors.New("no playback transport configured")
)

// Transport is the live playback side of a session.
type Transport interface {
	// Play starts playback of the given copies and reports the files that
	// could not be decoded.
	Play(ctx context.Context, tracks []*model.Track, fromSec float64) (failed []string, err error)
	Stop()
	Status() playback.Status
	UpdateTrack(track *model.Track)
}

// Purger drops persisted analysis of a file.
type Purger interface {
	Delete(ctx context.Context, filePath string) error
}

// forgetter is implemented by services that keep decoded audio in memory.
type forgetter interface {
	Forget(filePath string)
}

// Options wires a session to its collaborators. Only Service is required.
type Options struct {
	Service   analysis.Service
	Pipeline  *tile.Pipeline
	Transport Transport
	Purger    Purger
	// RawTargetRate overrides waveform.RawTargetRate.
	RawTargetRate float64
}

// Session is one open mixtape.
type Session struct {
	service   analysis.Service
	pipeline  *tile.Pipeline
	transport Transport
	purger    Purger
	rawRate   float64

	mu     sync.RWMutex
	title  string
	tracks []*model.Track
	bands  map[string]*waveform.BandData
	raws   map[string]*waveform.RawData
	// gens 每个文件的代数，移除或失效时递增，晚到的分析结果据此丢弃
	gens map[string]uint64

	// storeMu orders pipeline.Store against pipeline.InvalidateFile.
	storeMu sync.Mutex
}

// NewSession creates an empty session. A nil pipeline renders tiles synchronously.
func NewSession(opts Options) *Session {
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = tile.NewPipeline(0, nil)
	}
	rawRate := opts.RawTargetRate
	if !(rawRate > 0) {
		rawRate = waveform.RawTargetRate
	}
	return &Session{
		service:   opts.Service,
		pipeline:  pipeline,
		transport: opts.Transport,
		purger:    opts.Purger,
		rawRate:   rawRate,
		bands:     make(map[string]*waveform.BandData),
		raws:      make(map[string]*waveform.RawData),
		gens:      make(map[string]uint64),
	}
}

// LoadSnapshot replaces the arrangement with the document's tracks.
func (s *Session) LoadSnapshot(doc *model.SnapshotDocument) error {
	if doc == nil {
		return errors.New("nil snapshot")
	}
	if err := doc.CheckVersion(); err != nil {
		return err
	}
	tracks := model.TracksFromDocument(doc)
	sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].MixOrder < tracks[j].MixOrder })

	s.mu.Lock()
	s.title = doc.Title
	s.tracks = tracks
	for _, t := range tracks {
		s.fillDurationLocked(t)
	}
	s.mu.Unlock()

	logger.Info("加载混音快照", logger.String("title", doc.Title), logger.Int("tracks", len(tracks)))
	return nil
}

// Snapshot exports the arrangement.
func (s *Session) Snapshot() *model.SnapshotDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := &model.SnapshotDocument{
		Version: model.SnapshotVersion,
		Title:   s.title,
		Tracks:  make([]model.TrackSnapshot, 0, len(s.tracks)),
	}
	for _, t := range s.tracks {
		doc.Tracks = append(doc.Tracks, model.SnapshotFromTrack(t))
	}
	return doc
}

// Tracks returns the tracks in mix order. The pointers are shared with the session.
func (s *Session) Tracks() []*model.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.Track(nil), s.tracks...)
}

// Track looks up a track by id.
func (s *Session) Track(id string) (*model.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.findLocked(id)
	return t, t != nil
}

func (s *Session) findLocked(id string) *model.Track {
	for _, t := range s.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AddTrack appends a file to the arrangement at startSec.
func (s *Session) AddTrack(filePath string, startSec float64) (*model.Track, error) {
	path := model.NormalizeFilePath(filePath)
	if path == "" {
		return nil, errors.New("empty file path")
	}
	if math.IsNaN(startSec) || math.IsInf(startSec, 0) || startSec < 0 {
		startSec = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order := 0
	for _, t := range s.tracks {
		order = max(order, t.MixOrder)
	}
	track := &model.Track{
		ID:          uuid.New().String(),
		MixOrder:    order + 1,
		FilePath:    path,
		StartSec:    startSec,
		MasterTempo: true,
	}
	s.fillDurationLocked(track)
	s.tracks = append(s.tracks, track)
	logger.Debug("添加音轨", logger.String("id", track.ID), logger.String("file", path))
	return track, nil
}

// RemoveTrack drops a track. The file's tables and tiles go with it when no
// other track uses the file.
func (s *Session) RemoveTrack(id string) error {
	s.mu.Lock()
	idx := -1
	for i, t := range s.tracks {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrTrackNotFound
	}
	path := s.tracks[idx].FilePath
	s.tracks = append(s.tracks[:idx], s.tracks[idx+1:]...)
	orphan := !s.referencedLocked(path)
	if orphan {
		delete(s.bands, path)
		delete(s.raws, path)
		s.gens[path]++
	}
	s.mu.Unlock()

	if orphan {
		s.invalidateTiles(path)
	}
	return nil
}

func (s *Session) invalidateTiles(path string) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	s.pipeline.InvalidateFile(path)
}

// generations snapshots the generation of each path.
func (s *Session) generations(paths []string) map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(paths))
	for _, p := range paths {
		out[p] = s.gens[p]
	}
	return out
}

// currentLocked reports whether a result fetched at generation gen may still
// be applied to path.
func (s *Session) currentLocked(path string, gen uint64) bool {
	return s.gens[path] == gen && s.referencedLocked(path)
}

func (s *Session) referencedLocked(path string) bool {
	for _, t := range s.tracks {
		if t.FilePath == path {
			return true
		}
	}
	return false
}

// edit runs fn on a track under the write lock and forwards a copy of the
// result to the transport.
func (s *Session) edit(id string, fn func(t *model.Track) error) error {
	s.mu.Lock()
	t := s.findLocked(id)
	if t == nil {
		s.mu.Unlock()
		return ErrTrackNotFound
	}
	if err := fn(t); err != nil {
		s.mu.Unlock()
		return err
	}
	c := t.Clone()
	s.mu.Unlock()
	if s.transport != nil {
		s.transport.UpdateTrack(c)
	}
	return nil
}

// SetTrackEnvelope replaces one automation lane. Points are normalized when read.
func (s *Session) SetTrackEnvelope(id string, param model.EnvelopeParam, points []model.GainPoint) error {
	if _, ok := envelopeParams[param]; !ok {
		return fmt.Errorf("unknown envelope %q", param)
	}
	return s.edit(id, func(t *model.Track) error {
		t.SetEnvelope(param, append([]model.GainPoint(nil), points...))
		return nil
	})
}

var envelopeParams = func() map[model.EnvelopeParam]struct{} {
	m := make(map[model.EnvelopeParam]struct{}, len(model.EnvelopeParams))
	for _, p := range model.EnvelopeParams {
		m[p] = struct{}{}
	}
	return m
}()

// SetMuteSegments replaces the muted ranges of the volume lane.
func (s *Session) SetMuteSegments(id string, segments []model.MuteSegment) error {
	return s.edit(id, func(t *model.Track) error {
		t.VolumeMuteSegments = envelope.NormalizeMuteSegments(segments, math.Inf(1))
		return nil
	})
}

// SetTrackBPM retimes a track. The detected tempo stays as originalBpm so the
// tempo ratio follows the edit.
func (s *Session) SetTrackBPM(id string, bpm float64) error {
	value := model.NormalizeBPM(&bpm)
	if value == nil {
		return fmt.Errorf("invalid bpm %v", bpm)
	}
	return s.edit(id, func(t *model.Track) error {
		if t.OriginalBPM == nil {
			if t.BPM != nil {
				t.OriginalBPM = model.Float(*t.BPM)
			} else {
				t.OriginalBPM = model.Float(*value)
			}
		}
		t.BPM = value
		return nil
	})
}

// SetBarBeatOffset moves the downbeat of the track's grid.
func (s *Session) SetBarBeatOffset(id string, offset int) error {
	return s.edit(id, func(t *model.Track) error {
		t.BarBeatOffset = model.NormalizeBarBeatOffset(float64(offset))
		return nil
	})
}

// SetTrackStart moves a track on the timeline.
func (s *Session) SetTrackStart(id string, startSec float64) error {
	if math.IsNaN(startSec) || math.IsInf(startSec, 0) || startSec < 0 {
		return fmt.Errorf("invalid start %v", startSec)
	}
	return s.edit(id, func(t *model.Track) error {
		t.StartSec = startSec
		return nil
	})
}

// EnsureAnalysis fills in whatever analysis is still missing: tempo for tracks
// without a bpm, then band data and raw peaks per file. Partial results are
// kept and the rest is asked for again on the next call.
func (s *Session) EnsureAnalysis(ctx context.Context) error {
	if s.service == nil {
		return errors.New("no analysis service")
	}
	var errs []error
	if err := s.ensureBPM(ctx); err != nil {
		errs = append(errs, err)
	}

	// 已写入的文件及写入时的代数
	updated := make(map[string]uint64)
	for _, batch := range chunk(s.missing(func(p string) bool { return s.bands[p] == nil }), waveform.WaveformBatchSize) {
		gens := s.generations(batch)
		results, err := s.service.FetchWaveform(ctx, batch)
		if err != nil {
			logger.Warn("获取波形失败", logger.Strings("files", batch), logger.ErrorField(err))
			errs = append(errs, err)
		}
		s.mu.Lock()
		for _, r := range results {
			if r.Bands == nil || r.Bands.FrameCount() == 0 {
				continue
			}
			gen, asked := gens[r.FilePath]
			if !asked || !s.currentLocked(r.FilePath, gen) {
				logger.Debug("丢弃过期的波形结果", logger.String("file", r.FilePath))
				continue
			}
			s.bands[r.FilePath] = r.Bands
			updated[r.FilePath] = gen
			for _, t := range s.tracks {
				if t.FilePath == r.FilePath {
					s.fillDurationLocked(t)
				}
			}
		}
		s.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	for _, batch := range chunk(s.missing(func(p string) bool { return s.raws[p] == nil }), waveform.RawBatchSize) {
		gens := s.generations(batch)
		results, err := s.service.FetchRawWaveform(ctx, batch, s.rawRate)
		if err != nil {
			logger.Warn("获取原始波形失败", logger.Strings("files", batch), logger.ErrorField(err))
			errs = append(errs, err)
		}
		s.mu.Lock()
		for _, r := range results {
			if !r.Raw.Usable() {
				continue
			}
			gen, asked := gens[r.FilePath]
			if !asked || !s.currentLocked(r.FilePath, gen) {
				logger.Debug("丢弃过期的原始波形", logger.String("file", r.FilePath))
				continue
			}
			s.raws[r.FilePath] = r.Raw
			updated[r.FilePath] = gen
			for _, t := range s.tracks {
				if t.FilePath == r.FilePath {
					s.fillDurationLocked(t)
				}
			}
		}
		s.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	pushed := 0
	for path, gen := range updated {
		if s.push(path, gen) {
			pushed++
		}
	}
	if pushed > 0 {
		logger.Info("波形数据已更新", logger.Int("files", pushed))
	}
	return errors.Join(errs...)
}

// push hands the tables of path to the tile pipeline unless the file was
// removed or invalidated since gen.
func (s *Session) push(path string, gen uint64) bool {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	s.mu.RLock()
	if !s.currentLocked(path, gen) {
		s.mu.RUnlock()
		return false
	}
	bands, raw := s.bands[path], s.raws[path]
	s.mu.RUnlock()
	s.pipeline.Store(path, bands, raw)
	return true
}

func (s *Session) ensureBPM(ctx context.Context) error {
	paths := s.missing(func(p string) bool {
		for _, t := range s.tracks {
			if t.FilePath == p && !t.HasBPM() {
				return true
			}
		}
		return false
	})
	if len(paths) == 0 {
		return nil
	}
	gens := s.generations(paths)
	results, err := s.service.DetectBPM(ctx, paths)
	if err != nil {
		logger.Warn("BPM 检测失败", logger.Strings("files", paths), logger.ErrorField(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		bpm := model.NormalizeBPM(&r.BPM)
		if bpm == nil {
			continue
		}
		if gen, asked := gens[r.FilePath]; !asked || s.gens[r.FilePath] != gen {
			continue
		}
		for _, t := range s.tracks {
			if t.FilePath != r.FilePath || t.HasBPM() {
				continue
			}
			t.BPM = bpm
			t.OriginalBPM = model.Float(*bpm)
			if t.FirstBeatMs == nil && r.FirstBeatMs >= 0 {
				t.FirstBeatMs = model.Float(r.FirstBeatMs)
			}
		}
	}
	return err
}

// missing lists the distinct file paths of the arrangement matching need.
func (s *Session) missing(need func(path string) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.tracks {
		if seen[t.FilePath] {
			continue
		}
		seen[t.FilePath] = true
		if need(t.FilePath) {
			out = append(out, t.FilePath)
		}
	}
	return out
}

func chunk(paths []string, size int) [][]string {
	var out [][]string
	for len(paths) > 0 {
		n := min(size, len(paths))
		out = append(out, paths[:n])
		paths = paths[n:]
	}
	return out
}

// fillDurationLocked takes the source duration from the band data when the
// track does not know it yet.
func (s *Session) fillDurationLocked(t *model.Track) {
	if t.SourceDuration > 0 {
		return
	}
	if b := s.bands[t.FilePath]; b != nil && b.Duration > 0 {
		t.SourceDuration = b.Duration
	} else if r := s.raws[t.FilePath]; r != nil && r.Duration > 0 {
		t.SourceDuration = r.Duration
	}
}

// Bands returns the band data of a file, nil until fetched.
func (s *Session) Bands(filePath string) *waveform.BandData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bands[filePath]
}

// Raw returns the raw peaks of a file, nil until fetched.
func (s *Session) Raw(filePath string) *waveform.RawData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raws[filePath]
}

// TimelineDuration is the lane length of a track in timeline seconds. 0 while unknown.
func TimelineDuration(t *model.Track) float64 {
	if entry, ok := transport.NewEntry(t); ok {
		return entry.Duration
	}
	return 0
}

// TileRequest is one tile of the visible range.
type TileRequest struct {
	TrackID string       `json:"trackId"`
	LaneX   float64      `json:"laneX"`
	Payload tile.Payload `json:"payload"`
}

// Viewport is the visible part of the timeline.
type Viewport struct {
	StartSec   float64
	EndSec     float64
	LaneHeight int
	PixelRatio float64
}

// VisibleTiles lists the tiles of every track intersecting the viewport at zoom.
func (s *Session) VisibleTiles(zoom float64, view Viewport) []TileRequest {
	zoom = waveform.ClampZoom(zoom)
	pps := waveform.PxPerSec(zoom)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TileRequest
	for _, t := range s.tracks {
		duration := TimelineDuration(t)
		width := waveform.TrackWidth(duration, zoom)
		laneX := t.StartSec * pps
		for _, idx := range waveform.VisibleTiles(width, view.StartSec*pps-laneX, view.EndSec*pps-laneX) {
			pl, ok := tile.NewPayload(t.FilePath, idx, zoom, duration, view.LaneHeight, view.PixelRatio)
			if !ok {
				continue
			}
			out = append(out, TileRequest{TrackID: t.ID, LaneX: laneX, Payload: pl})
		}
	}
	return out
}

// PreRender queues the tiles around the viewport, widened by PreRenderRangeBuffer.
func (s *Session) PreRender(zoom float64, view Viewport) int {
	span := view.EndSec - view.StartSec
	pad := span * (waveform.PreRenderRangeBuffer - 1) / 2
	view.StartSec = math.Max(0, view.StartSec-pad)
	view.EndSec += pad
	reqs := s.VisibleTiles(zoom, view)
	tasks := make([]tile.Payload, 0, len(reqs))
	for _, r := range reqs {
		tasks = append(tasks, r.Payload)
	}
	s.pipeline.PreRender(tasks)
	return len(tasks)
}

// Tile returns the bitmap of one tile of a track. ready is false for a
// placeholder while the worker renders it.
func (s *Session) Tile(trackID string, index int, zoom float64, laneHeight int, pixelRatio float64) (img *image.RGBA, ready bool, err error) {
	t, ok := s.Track(trackID)
	if !ok {
		return nil, false, ErrTrackNotFound
	}
	s.mu.RLock()
	duration := TimelineDuration(t)
	s.mu.RUnlock()
	pl, ok := tile.NewPayload(t.FilePath, index, waveform.ClampZoom(zoom), duration, laneHeight, pixelRatio)
	if !ok {
		return nil, false, fmt.Errorf("tile %d out of range", index)
	}
	img, ready = s.pipeline.Request(pl)
	return img, ready, nil
}

// Pipeline exposes the tile pipeline.
func (s *Session) Pipeline() *tile.Pipeline { return s.pipeline }

// Bounce renders the arrangement to a WAV file.
func (s *Session) Bounce(ctx context.Context, outputPath string, sampleRate int, progress mixdown.ProgressFunc) (*mixdown.Result, error) {
	if s.service == nil {
		return nil, errors.New("no analysis service")
	}
	s.mu.RLock()
	entries, missing := transport.BuildEntries(s.tracks)
	s.mu.RUnlock()
	return mixdown.Bounce(ctx, entries, s.service, mixdown.Options{
		OutputPath:      outputPath,
		SampleRate:      sampleRate,
		MissingDuration: missing,
	}, progress)
}

// Play starts live playback at fromSec. The transport gets copies of the
// tracks; files it could not decode are marked DecodeFailed afterwards.
func (s *Session) Play(ctx context.Context, fromSec float64) error {
	if s.transport == nil {
		return ErrNoTransport
	}
	s.mu.RLock()
	tracks := make([]*model.Track, len(s.tracks))
	gens := make(map[string]uint64, len(s.tracks))
	for i, t := range s.tracks {
		tracks[i] = t.Clone()
		gens[t.FilePath] = s.gens[t.FilePath]
	}
	s.mu.RUnlock()

	failed, err := s.transport.Play(ctx, tracks, fromSec)
	if len(failed) > 0 {
		s.mu.Lock()
		for _, path := range failed {
			// 播放期间文件被替换则不标记
			if gen, ok := gens[path]; !ok || s.gens[path] != gen {
				continue
			}
			for _, t := range s.tracks {
				if t.FilePath == path {
					t.DecodeFailed = true
				}
			}
		}
		s.mu.Unlock()
	}
	return err
}

// Stop halts live playback.
func (s *Session) Stop() {
	if s.transport != nil {
		s.transport.Stop()
	}
}

// Status reports the live transport, zero without one.
func (s *Session) Status() playback.Status {
	if s.transport == nil {
		return playback.Status{}
	}
	return s.transport.Status()
}

// Files lists the distinct source files of the arrangement.
func (s *Session) Files() []string {
	return s.missing(func(string) bool { return true })
}

// InvalidateFile forgets everything derived from a source file after it changed
// on disk: tables, tiles, worker copies, decoded audio and the persisted cache.
func (s *Session) InvalidateFile(ctx context.Context, filePath string) {
	path := model.NormalizeFilePath(filePath)
	if path == "" {
		return
	}
	s.mu.Lock()
	delete(s.bands, path)
	delete(s.raws, path)
	s.gens[path]++
	affected := 0
	for _, t := range s.tracks {
		if t.FilePath == path {
			t.SourceDuration = 0
			t.DecodeFailed = false
			affected++
		}
	}
	s.mu.Unlock()

	s.invalidateTiles(path)
	if f, ok := s.service.(forgetter); ok {
		f.Forget(path)
	}
	if s.purger != nil {
		if err := s.purger.Delete(ctx, path); err != nil {
			logger.Warn("清除波形缓存失败", logger.String("file", path), logger.ErrorField(err))
		}
	}
	logger.Info("源文件已变更", logger.String("file", path), logger.Int("tracks", affected))
}

// Close stops playback and the tile workers.
func (s *Session) Close() {
	s.Stop()
	s.pipeline.Close()
}

