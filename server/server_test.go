package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Bt1Mix/config"
	"Bt1Mix/core/analysis"
	"Bt1Mix/core/mixdown"
	"Bt1Mix/model"
	"Bt1Mix/repository"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type memMixtapes struct {
	mu   sync.Mutex
	byID map[string]*model.Mixtape
}

func (m *memMixtapes) Save(_ context.Context, mt *model.Mixtape) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[mt.ID] = mt
	return nil
}

func (m *memMixtapes) Get(_ context.Context, id string) (*model.Mixtape, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id], nil
}

func (m *memMixtapes) List(_ context.Context, limit, offset int) ([]*model.Mixtape, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Mixtape
	for _, mt := range m.byID {
		out = append(out, mt)
	}
	return out, nil
}

func (m *memMixtapes) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

type memJobs struct {
	mu   sync.Mutex
	byID map[string]model.RenderJob
}

func (j *memJobs) Create(_ context.Context, job *model.RenderJob) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.byID[job.ID] = *job
	return nil
}

func (j *memJobs) UpdateStatus(_ context.Context, id string, u repository.RenderJobUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	job := j.byID[id]
	if u.Status != "" {
		job.Status = u.Status
	}
	if u.Stage != "" {
		job.Stage = u.Stage
	}
	if u.Percent != 0 {
		job.Percent = u.Percent
	}
	if u.ObjectName != "" {
		job.ObjectName = u.ObjectName
	}
	if u.DurationSec != 0 {
		job.DurationSec = u.DurationSec
	}
	if u.Error != "" {
		job.Error = u.Error
	}
	j.byID[id] = job
	return nil
}

func (j *memJobs) Get(_ context.Context, id string) (*model.RenderJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.byID[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

// writeSine writes a stereo 8 kHz WAV of seconds length.
func writeSine(t *testing.T, dir, name string, seconds float64) string {
	t.Helper()
	const rate = 8000
	n := int(seconds * rate)
	samples := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		v := float32(0.4 * math.Sin(2*math.Pi*220*float64(i)/rate))
		samples[2*i], samples[2*i+1] = v, v
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := mixdown.EncodeWAV(context.Background(), f, samples, 2, rate, nil); err != nil {
		t.Fatal(err)
	}
	return path
}

type testEnv struct {
	srv      *Server
	router   *mux.Router
	mixtapes *memMixtapes
	jobs     *memJobs
	dir      string

	mu       sync.Mutex
	uploaded []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		mixtapes: &memMixtapes{byID: make(map[string]*model.Mixtape)},
		jobs:     &memJobs{byID: make(map[string]model.RenderJob)},
		dir:      t.TempDir(),
	}
	env.srv = NewServer(Deps{
		Config:   &config.Config{OutputDir: env.dir, TileCacheLimit: 16},
		Mixtapes: env.mixtapes,
		Jobs:     env.jobs,
		Service:  analysis.NewLocal(nil, nil),
		Upload: func(_ context.Context, jobID, localPath string) (string, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.uploaded = append(env.uploaded, localPath)
			return "mixdowns/" + jobID + "/" + filepath.Base(localPath), nil
		},
	})
	env.router = env.srv.Router()
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createMixtape(t *testing.T, doc *model.SnapshotDocument) string {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/mixtapes", doc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("create response %q: %v", rec.Body.String(), err)
	}
	return resp.ID
}

func TestMixtapeCRUD(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMixtape(t, &model.SnapshotDocument{Title: "warmup", Tracks: []model.TrackSnapshot{
		{ID: "a", FilePath: "/music/a.wav", StartSec: model.Float(0)},
		{ID: "b", FilePath: "/music/b.wav", StartSec: model.Float(32)},
	}})

	rec := env.do(http.MethodGet, "/api/mixtapes/"+id, nil)
	var doc model.SnapshotDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Title != "warmup" || len(doc.Tracks) != 2 || doc.Tracks[1].ID != "b" {
		t.Errorf("document = %+v", doc)
	}

	rec = env.do(http.MethodGet, "/api/mixtapes", nil)
	if !strings.Contains(rec.Body.String(), `"tracks":2`) {
		t.Errorf("list = %s", rec.Body.String())
	}

	rec = env.do(http.MethodPut, "/api/mixtapes/"+id, &model.SnapshotDocument{Title: "peak"})
	if rec.Code != http.StatusOK {
		t.Errorf("update = %d", rec.Code)
	}
	if m, _ := env.mixtapes.Get(context.Background(), id); m.Title != "peak" || len(m.Items) != 0 {
		t.Errorf("stored = %+v", m)
	}

	tests := []struct {
		method, target string
		body           interface{}
		want           int
	}{
		{http.MethodPost, "/api/mixtapes", &model.SnapshotDocument{Version: "2.0.0"}, http.StatusBadRequest},
		{http.MethodPut, "/api/mixtapes/missing", &model.SnapshotDocument{}, http.StatusNotFound},
		{http.MethodDelete, "/api/mixtapes/" + id, nil, http.StatusNoContent},
		{http.MethodGet, "/api/mixtapes/" + id, nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := env.do(tt.method, tt.target, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.target, rec.Code, tt.want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodOptions, "/api/mixtapes", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
}

func TestTileEndpoint(t *testing.T) {
	env := newTestEnv(t)
	path := writeSine(t, env.dir, "a.wav", 2)
	id := env.createMixtape(t, &model.SnapshotDocument{Tracks: []model.TrackSnapshot{
		{ID: "t1", FilePath: path, StartSec: model.Float(0)},
	}})

	rec := env.do(http.MethodGet, "/api/tiles/"+id+"/t1/0.png?zoom=1&h=40&ratio=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tile = %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-Tile-Ready") != "true" {
		t.Errorf("synchronous pipeline returned a placeholder")
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dy() != 40 || b.Dx() <= 0 || b.Dx() > 1200 {
		t.Errorf("tile bounds = %v", b)
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/tiles/" + id + "/t1/9.png", http.StatusNotFound},
		{"/api/tiles/" + id + "/nope/0.png", http.StatusNotFound},
		{"/api/tiles/missing/t1/0.png", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := env.do(http.MethodGet, tt.target, nil); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}

	rec = env.do(http.MethodGet, "/api/mixtapes/"+id+"/tiles?start=0&end=10&zoom=1", nil)
	var visible struct {
		Tiles []struct {
			TrackID string `json:"trackId"`
		} `json:"tiles"`
		Queued int `json:"queued"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &visible); err != nil {
		t.Fatal(err)
	}
	if len(visible.Tiles) != 1 || visible.Tiles[0].TrackID != "t1" || visible.Queued != 1 {
		t.Errorf("visible = %+v", visible)
	}
}

// gatedService holds FetchWaveform until release is closed and counts the calls.
type gatedService struct {
	analysis.Service
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedService) FetchWaveform(ctx context.Context, paths []string) ([]analysis.WaveformResult, error) {
	g.calls.Add(1)
	<-g.release
	return g.Service.FetchWaveform(ctx, paths)
}

func TestConcurrentTilesShareAnalysis(t *testing.T) {
	env := newTestEnv(t)
	svc := &gatedService{Service: analysis.NewLocal(nil, nil), release: make(chan struct{})}
	env.srv.deps.Service = svc
	path := writeSine(t, env.dir, "a.wav", 2)
	id := env.createMixtape(t, &model.SnapshotDocument{Tracks: []model.TrackSnapshot{
		{ID: "t1", FilePath: path, StartSec: model.Float(0)},
	}})

	const n = 8
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			codes <- env.do(http.MethodGet, "/api/tiles/"+id+"/t1/0.png?zoom=1&h=40", nil).Code
		}()
	}
	deadline := time.Now().Add(5 * time.Second)
	for svc.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("analysis never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// 给其余请求时间进入等待
	time.Sleep(100 * time.Millisecond)
	close(svc.release)

	for i := 0; i < n; i++ {
		if code := <-codes; code != http.StatusOK {
			t.Errorf("tile = %d", code)
		}
	}
	if got := svc.calls.Load(); got != 1 {
		t.Errorf("FetchWaveform called %d times, want 1", got)
	}
}

func waitJob(t *testing.T, jobs *memJobs, id string) model.RenderJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := jobs.Get(context.Background(), id)
		if job != nil && (job.Status == model.RenderJobCompleted || job.Status == model.RenderJobFailed) {
			return *job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return model.RenderJob{}
}

func TestRenderJob(t *testing.T) {
	env := newTestEnv(t)
	a := writeSine(t, env.dir, "a.wav", 1)
	b := writeSine(t, env.dir, "b.wav", 1)
	id := env.createMixtape(t, &model.SnapshotDocument{Tracks: []model.TrackSnapshot{
		{ID: "a", FilePath: a, StartSec: model.Float(0)},
		{ID: "b", FilePath: b, StartSec: model.Float(0.5)},
	}})

	rec := env.do(http.MethodPost, "/api/mixtapes/"+id+"/render", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("render = %d %s", rec.Code, rec.Body.String())
	}
	var started struct {
		JobID string `json:"jobId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &started)

	job := waitJob(t, env.jobs, started.JobID)
	if job.Status != model.RenderJobCompleted || job.Percent != 100 {
		t.Fatalf("job = %+v", job)
	}
	if math.Abs(job.DurationSec-1.5) > 0.01 {
		t.Errorf("duration = %v, want 1.5", job.DurationSec)
	}
	if job.ObjectName != "mixdowns/"+job.ID+"/"+job.ID+".wav" {
		t.Errorf("object name = %q", job.ObjectName)
	}
	env.mu.Lock()
	if len(env.uploaded) != 1 {
		t.Errorf("uploads = %v", env.uploaded)
	}
	env.mu.Unlock()

	last, ok := env.srv.Hub().Last(job.ID)
	if !ok || last.Type != EventDone || last.Result == nil || !last.Terminal() {
		t.Errorf("last event = %+v", last)
	}

	rec = env.do(http.MethodGet, "/api/render/"+job.ID, nil)
	var status struct {
		URL string `json:"url"`
	}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.URL != "/mixdowns/"+job.ID+".wav" {
		t.Fatalf("url = %q", status.URL)
	}
	rec = env.do(http.MethodGet, status.URL, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "audio/wav" {
		t.Errorf("download = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if got, want := rec.Body.Len(), 44+12000*4; got != want {
		t.Errorf("wav size = %d, want %d", got, want)
	}

	if rec := env.do(http.MethodPost, "/api/mixtapes/missing/render", nil); rec.Code != http.StatusNotFound {
		t.Errorf("render of missing mixtape = %d", rec.Code)
	}
}

func TestProgressHub(t *testing.T) {
	hub := NewProgressHub()
	if ch, cancel := hub.Subscribe("j"); ch != nil {
		cancel()
		t.Fatal("subscribed to an unknown job")
	}

	hub.Publish(RenderEvent{JobID: "j", Type: EventProgress, Percent: 1})
	ch, cancel := hub.Subscribe("j")
	defer cancel()
	hub.Publish(RenderEvent{JobID: "j", Type: EventProgress, Percent: 40})
	hub.Publish(RenderEvent{JobID: "j", Type: EventDone, Percent: 100})
	hub.Close("j")
	hub.Publish(RenderEvent{JobID: "j", Type: EventProgress})

	var got []float64
	for ev := range ch {
		got = append(got, ev.Percent)
	}
	if len(got) != 2 || got[0] != 40 || got[1] != 100 {
		t.Errorf("events = %v", got)
	}
	last, ok := hub.Last("j")
	if !ok || last.Seq != 3 || !last.Terminal() {
		t.Errorf("last = %+v", last)
	}
	if ch, _ := hub.Subscribe("j"); ch != nil {
		t.Error("subscribed to a closed job")
	}
}

func TestRenderProgressWebSocket(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.Create(context.Background(), &model.RenderJob{
		ID: "old", Status: model.RenderJobCompleted, Stage: "encoding", Percent: 100, ObjectName: "mixdowns/old/old.wav",
	})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/render/old"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	var ev RenderEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventDone || ev.Percent != 100 || ev.ObjectName != "mixdowns/old/old.wav" {
		t.Errorf("event = %+v", ev)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "old", "nope", 1), nil); err == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job dial err = %v", err)
	}
}
