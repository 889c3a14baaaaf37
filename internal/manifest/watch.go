package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher 监听 manifest 文件，在部署新版本（摘要变化）时回调。
// 监听目录而不是文件本身，以兼容构建工具 "写临时文件 + rename" 的发布方式。
type Watcher struct {
	path     string
	logger   *logrus.Logger
	debounce time.Duration
	last     string
}

// NewWatcher 以当前已加载的 manifest 作为基线创建 Watcher。
func NewWatcher(path string, current *Manifest, logger *logrus.Logger) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		logger:   logger,
		debounce: defaultDebounce,
	}
	if current != nil {
		w.last = current.Digest()
	}
	return w
}

// Run 阻塞直到 ctx 结束。加载失败只记录日志，不会终止监听。
func (w *Watcher) Run(ctx context.Context, onChange func(*Manifest)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).WithField("action", "manifest_watch").Warn("manifest watcher error")
		case <-timer.C:
			w.reload(onChange)
		}
	}
}

func (w *Watcher) reload(onChange func(*Manifest)) {
	next, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "manifest_reload",
			"path":   w.path,
		}).Warn("manifest reload failed")
		return
	}
	if next.Digest() == w.last {
		return
	}
	w.last = next.Digest()
	w.logger.WithFields(logrus.Fields{
		"action":           "manifest_reload",
		"path":             w.path,
		"manifest_version": next.ID(),
	}).Info("new manifest detected")
	onChange(next)
}
