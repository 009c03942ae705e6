package timeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"Bt1Mix/logger"

	"github.com/fsnotify/fsnotify"
)

const (
	// SettleDelay is how long a file must stay quiet before it is invalidated.
	SettleDelay   = 300 * time.Millisecond
	watchInterval = 50 * time.Millisecond
)

// Watcher invalidates a session's data for source files that change on disk.
type Watcher struct {
	session *Session
	fs      *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]string // 绝对路径 -> 会话中的路径
	dirs  map[string]bool

	onInvalidate func(filePath string)

	done chan struct{}
}

// NewWatcher starts watching the directories of the session's files.
// onInvalidate, if set, is called after a file was invalidated.
// Call Refresh after the arrangement changes.
func NewWatcher(ctx context.Context, session *Session, onInvalidate func(filePath string)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听器失败: %w", err)
	}
	w := &Watcher{
		session:      session,
		fs:           fs,
		onInvalidate: onInvalidate,
		files:        make(map[string]string),
		dirs:         make(map[string]bool),
		done:         make(chan struct{}),
	}
	// 监听失败的目录已记录日志
	_ = w.Refresh()
	go w.loop(ctx)
	return w, nil
}

// Refresh syncs the watched set with the session's files.
func (w *Watcher) Refresh() error {
	files := make(map[string]string)
	dirs := make(map[string]bool)
	for _, f := range w.session.Files() {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		files[abs] = f
		dirs[filepath.Dir(abs)] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.dirs {
		if !dirs[dir] {
			_ = w.fs.Remove(dir)
		}
	}
	var firstErr error
	for dir := range dirs {
		if w.dirs[dir] {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			// 目录不存在时跳过，文件出现后再 Refresh
			logger.Warn("监听目录失败", logger.String("dir", dir), logger.ErrorField(err))
			delete(dirs, dir)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	w.files = files
	w.dirs = dirs
	return firstErr
}

func (w *Watcher) tracked(name string) (string, bool) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	path, ok := w.files[abs]
	return path, ok
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if path, ok := w.tracked(event.Name); ok {
				pending[path] = time.Now()
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("文件监听错误", logger.ErrorField(err))

		case <-ticker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < SettleDelay {
					continue // 可能还在写入
				}
				delete(pending, path)
				w.session.InvalidateFile(ctx, path)
				if w.onInvalidate != nil {
					w.onInvalidate(path)
				}
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
