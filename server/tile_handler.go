package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"

	"Bt1Mix/core/timeline"
	"Bt1Mix/logger"

	"github.com/gorilla/mux"
)

const (
	defaultLaneHeight = 72
	maxLaneHeight     = 512
	maxPixelRatio     = 4
)

// viewport reads zoom, lane height and pixel ratio from the query.
func viewport(r *http.Request) (zoom float64, height int, ratio float64) {
	zoom = queryFloat(r, "zoom", 1)
	height = queryInt(r, "h", defaultLaneHeight)
	if height <= 0 || height > maxLaneHeight {
		height = defaultLaneHeight
	}
	ratio = queryFloat(r, "ratio", 1)
	if !(ratio > 0) || ratio > maxPixelRatio {
		ratio = 1
	}
	return zoom, height, ratio
}

// loadSession resolves the mixtape of the request and makes sure its
// waveforms are analysed. It writes the error response itself.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*timeline.Session, bool) {
	id := mux.Vars(r)["id"]
	sess, found, err := s.session(r.Context(), id)
	if err != nil {
		logger.Error("加载编排失败", logger.String("id", id), logger.ErrorField(err))
		http.Error(w, "Failed to load mixtape", http.StatusInternalServerError)
		return nil, false
	}
	if !found {
		http.Error(w, "Mixtape not found", http.StatusNotFound)
		return nil, false
	}
	if err := s.ensureAnalysis(r.Context(), id, sess); err != nil {
		// 部分文件失败时仍可渲染其它轨道
		logger.Warn("波形分析未全部完成", logger.String("id", id), logger.ErrorField(err))
	}
	return sess, true
}

// ensureAnalysis runs one EnsureAnalysis per session at a time; concurrent
// requests wait for the running one. The analysis itself is bound to the
// server's lifetime, not to the first request.
func (s *Server) ensureAnalysis(ctx context.Context, id string, sess *timeline.Session) error {
	key := fmt.Sprintf("%s@%p", id, sess)
	ch := s.analyses.DoChan(key, func() (interface{}, error) {
		return nil, sess.EnsureAnalysis(s.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TileHandler 返回单个波形瓦片的 PNG
func (s *Server) TileHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["tile"])
	if err != nil || index < 0 {
		http.Error(w, "Invalid tile index", http.StatusBadRequest)
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	zoom, height, ratio := viewport(r)
	img, ready, err := sess.Tile(vars["track"], index, zoom, height, ratio)
	if errors.Is(err, timeline.ErrTrackNotFound) {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		logger.Error("瓦片编码失败", logger.ErrorField(err))
		http.Error(w, "Failed to encode tile", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Tile-Ready", strconv.FormatBool(ready))
	if ready {
		w.Header().Set("Cache-Control", "private, max-age=60")
	} else {
		// 占位图，客户端稍后重试
		w.Header().Set("Cache-Control", "no-store")
	}
	w.Write(buf.Bytes())
}

// VisibleTilesHandler 列出可见区间内的瓦片并预渲染周边瓦片
func (s *Server) VisibleTilesHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	zoom, height, ratio := viewport(r)
	view := timeline.Viewport{
		StartSec:   queryFloat(r, "start", 0),
		EndSec:     queryFloat(r, "end", 60),
		LaneHeight: height,
		PixelRatio: ratio,
	}
	if view.EndSec <= view.StartSec {
		http.Error(w, "Invalid range", http.StatusBadRequest)
		return
	}
	tiles := sess.VisibleTiles(zoom, view)
	queued := sess.PreRender(zoom, view)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tiles":  tiles,
		"queued": queued,
	})
}
