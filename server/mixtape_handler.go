package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"Bt1Mix/logger"
	"Bt1Mix/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxSnapshotBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

// decodeSnapshot reads and validates a snapshot document from the body.
func decodeSnapshot(w http.ResponseWriter, r *http.Request) (*model.SnapshotDocument, bool) {
	var doc model.SnapshotDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSnapshotBytes)).Decode(&doc); err != nil {
		http.Error(w, "Invalid snapshot document", http.StatusBadRequest)
		return nil, false
	}
	if err := doc.CheckVersion(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &doc, true
}

// CreateMixtapeHandler 保存一个新的编排快照
func (s *Server) CreateMixtapeHandler(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeSnapshot(w, r)
	if !ok {
		return
	}
	m := model.NewMixtape(uuid.NewString(), doc)
	if err := s.deps.Mixtapes.Save(r.Context(), m); err != nil {
		logger.Error("保存编排失败", logger.ErrorField(err))
		http.Error(w, "Failed to save mixtape", http.StatusInternalServerError)
		return
	}
	logger.Info("编排已创建", logger.String("id", m.ID), logger.Int("tracks", len(m.Items)))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       m.ID,
		"snapshot": m.Document(),
	})
}

// UpdateMixtapeHandler 覆盖已有编排
func (s *Server) UpdateMixtapeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.deps.Mixtapes.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "Failed to get mixtape", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "Mixtape not found", http.StatusNotFound)
		return
	}
	doc, ok := decodeSnapshot(w, r)
	if !ok {
		return
	}
	m := model.NewMixtape(id, doc)
	if err := s.deps.Mixtapes.Save(r.Context(), m); err != nil {
		logger.Error("更新编排失败", logger.String("id", id), logger.ErrorField(err))
		http.Error(w, "Failed to save mixtape", http.StatusInternalServerError)
		return
	}
	s.dropSession(id)
	writeJSON(w, http.StatusOK, m.Document())
}

// GetMixtapeHandler 返回编排快照
func (s *Server) GetMixtapeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.deps.Mixtapes.Get(r.Context(), id)
	if err != nil {
		logger.Error("获取编排失败", logger.String("id", id), logger.ErrorField(err))
		http.Error(w, "Failed to get mixtape", http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.Error(w, "Mixtape not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m.Document())
}

// ListMixtapesHandler 分页列出编排
func (s *Server) ListMixtapesHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	list, err := s.deps.Mixtapes.List(r.Context(), limit, offset)
	if err != nil {
		logger.Error("列出编排失败", logger.ErrorField(err))
		http.Error(w, "Failed to list mixtapes", http.StatusInternalServerError)
		return
	}
	type summary struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Tracks int    `json:"tracks"`
	}
	out := make([]summary, 0, len(list))
	for _, m := range list {
		out = append(out, summary{ID: m.ID, Title: m.Title, Tracks: len(m.Items)})
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteMixtapeHandler 删除编排
func (s *Server) DeleteMixtapeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Mixtapes.Delete(r.Context(), id); err != nil {
		logger.Error("删除编排失败", logger.String("id", id), logger.ErrorField(err))
		http.Error(w, "Failed to delete mixtape", http.StatusInternalServerError)
		return
	}
	s.dropSession(id)
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil {
		return fallback
	}
	return v
}
