package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Bt1Mix/config"
	"Bt1Mix/logger"
	"Bt1Mix/storage"

	"github.com/minio/minio-go/v7"
)

// StaticHandler 提供导出的混音文件下载，优先读 MinIO，其次读本地输出目录
type StaticHandler struct {
	cfg *config.Config
}

// NewStaticHandler 创建 StaticHandler 实例
func NewStaticHandler(cfg *config.Config) *StaticHandler {
	return &StaticHandler{cfg: cfg}
}

// ServeHTTP 实现 http.Handler 接口
func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == storage.MixdownPrefix || strings.Contains(name, "..") {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	if client := storage.GetMinioClient(); client != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		object, err := client.GetObject(ctx, h.cfg.MinioBucket, name, minio.GetObjectOptions{})
		if err == nil {
			defer object.Close()
			if stat, err := object.Stat(); err == nil {
				w.Header().Set("Content-Type", detectContentType(name))
				http.ServeContent(w, r, filepath.Base(name), stat.LastModified, object)
				return
			}
		}
	}

	// 本地回退
	local := filepath.Join(h.cfg.OutputDir, filepath.Base(name))
	f, err := os.Open(local)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		logger.Error("读取混音文件失败", logger.String("path", local), logger.ErrorField(err))
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", detectContentType(name))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// detectContentType 根据扩展名检测内容类型
func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
