package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"Bt1Mix/cache"
	"Bt1Mix/config"
	"Bt1Mix/core/analysis"
	"Bt1Mix/core/tile"
	"Bt1Mix/core/timeline"
	"Bt1Mix/db"
	"Bt1Mix/logger"
	"Bt1Mix/repository"
	"Bt1Mix/storage"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"
)

// maxSessions 同时保留在内存中的编排数
const maxSessions = 4

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Config   *config.Config
	Mixtapes repository.MixtapeRepository
	Jobs     repository.RenderJobRepository
	Service  analysis.Service
	// Purger, if set, is handed to every session.
	Purger timeline.Purger
	// Upload, if set, stores finished mixdowns and returns the object name.
	Upload func(ctx context.Context, jobID, localPath string) (string, error)
}

// Server serves mixtapes, tiles and render jobs.
type Server struct {
	deps Deps
	hub  *ProgressHub

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	tick     uint64
	// analyses 合并同一会话上并发的 EnsureAnalysis
	analyses singleflight.Group

	ctx      context.Context
	stopJobs context.CancelFunc
	jobs     sync.WaitGroup
}

type sessionEntry struct {
	session *timeline.Session
	used    uint64
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = config.Load()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:     deps,
		ctx:      ctx,
		stopJobs: cancel,
		hub:      NewProgressHub(),
		sessions: make(map[string]*sessionEntry),
	}
}

// Hub exposes the render progress hub.
func (s *Server) Hub() *ProgressHub { return s.hub }

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/mixtapes", s.ListMixtapesHandler).Methods(http.MethodGet)
	api.HandleFunc("/mixtapes", s.CreateMixtapeHandler).Methods(http.MethodPost)
	api.HandleFunc("/mixtapes/{id}", s.GetMixtapeHandler).Methods(http.MethodGet)
	api.HandleFunc("/mixtapes/{id}", s.UpdateMixtapeHandler).Methods(http.MethodPut)
	api.HandleFunc("/mixtapes/{id}", s.DeleteMixtapeHandler).Methods(http.MethodDelete)
	api.HandleFunc("/mixtapes/{id}/tiles", s.VisibleTilesHandler).Methods(http.MethodGet)
	api.HandleFunc("/mixtapes/{id}/render", s.StartRenderHandler).Methods(http.MethodPost)
	api.HandleFunc("/tiles/{id}/{track}/{tile:[0-9]+}.png", s.TileHandler).Methods(http.MethodGet)
	api.HandleFunc("/render/{job}", s.GetRenderJobHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws/render/{job}", s.RenderProgressWSHandler)
	router.PathPrefix("/mixdowns/").Handler(NewStaticHandler(s.deps.Config))
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, X-Tile-Ready")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session returns the loaded session of a mixtape, loading it on first use.
// found is false when the mixtape does not exist.
func (s *Server) session(ctx context.Context, id string) (sess *timeline.Session, found bool, err error) {
	s.mu.Lock()
	if e, ok := s.sessions[id]; ok {
		s.tick++
		e.used = s.tick
		s.mu.Unlock()
		return e.session, true, nil
	}
	s.mu.Unlock()

	m, err := s.deps.Mixtapes.Get(ctx, id)
	if err != nil || m == nil {
		return nil, false, err
	}
	cfg := s.deps.Config
	var pool *tile.Pool
	if cfg.TileWorkers > 0 {
		pool = tile.NewPool(cfg.TileWorkers)
	}
	sess = timeline.NewSession(timeline.Options{
		Service:  s.deps.Service,
		Pipeline: tile.NewPipeline(cfg.TileCacheLimit, pool),
		Purger:   s.deps.Purger,
	})
	if err := sess.LoadSnapshot(m.Document()); err != nil {
		sess.Close()
		return nil, true, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		// 并发加载，保留先到的
		sess.Close()
		return e.session, true, nil
	}
	s.tick++
	s.sessions[id] = &sessionEntry{session: sess, used: s.tick}
	s.evictLocked()
	return sess, true, nil
}

func (s *Server) evictLocked() {
	for len(s.sessions) > maxSessions {
		var oldest string
		var used uint64
		for id, e := range s.sessions {
			if oldest == "" || e.used < used {
				oldest, used = id, e.used
			}
		}
		s.sessions[oldest].session.Close()
		delete(s.sessions, oldest)
	}
}

// dropSession forgets a loaded session after its mixtape changed.
func (s *Server) dropSession(id string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		e.session.Close()
	}
}

// Close cancels running render jobs, waits for them and releases the sessions.
func (s *Server) Close() {
	s.stopJobs()
	s.jobs.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.sessions {
		e.session.Close()
		delete(s.sessions, id)
	}
}

// Start connects the backing services and serves until SIGINT/SIGTERM.
func Start(cfg *config.Config) error {
	if err := db.ConnectGormDB(cfg); err != nil {
		return err
	}
	defer db.CloseGormDB()
	if err := db.AutoMigrate(); err != nil {
		return err
	}

	var store analysis.WaveformStore
	var purger timeline.Purger
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis 不可用，波形缓存关闭", logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		wc := cache.NewWaveformCache(cache.RedisClient, cfg.WaveformCacheTTL)
		store, purger = wc, wc
	}

	var upload func(ctx context.Context, jobID, localPath string) (string, error)
	if err := storage.InitMinio(cfg); err != nil {
		logger.Warn("MinIO 不可用，混音仅保存在本地", logger.ErrorField(err))
	} else {
		upload = func(ctx context.Context, jobID, localPath string) (string, error) {
			name := storage.MixdownObjectName(jobID, localPath)
			_, err := storage.UploadMixdown(ctx, name, localPath)
			return name, err
		}
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return err
	}

	srv := NewServer(Deps{
		Config:   cfg,
		Mixtapes: repository.NewGormMixtapeRepository(db.GormDB),
		Jobs:     repository.NewGormRenderJobRepository(db.GormDB),
		Service:  analysis.NewLocal(analysis.NewDecoder(cfg.FFmpegPath), store),
		Purger:   purger,
		Upload:   upload,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务启动", logger.String("addr", cfg.ServerAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return err
	}
	logger.Info("正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("服务已停止")
	return nil
}
