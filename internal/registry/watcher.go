package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听名册文件变化并重新同步。
type Watcher struct {
	path     string
	svc      *Service
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher 创建名册监听器。
func NewWatcher(path string, svc *Service) *Watcher {
	return &Watcher{path: path, svc: svc, debounce: 200 * time.Millisecond, logger: svc.logger}
}

// Run 阻塞直到 ctx 结束。编辑器常以重命名方式保存文件，因此监听所在目录。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	target := filepath.Clean(w.path)
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("名册监听错误", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	agents, err := LoadRoster(w.path)
	if err != nil {
		w.logger.Warn("重新加载名册失败", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	if err := Sync(ctx, w.svc, agents); err != nil {
		w.logger.Warn("同步名册失败", slog.Any("error", err))
		return
	}
	w.logger.Info("名册已重新加载", slog.String("path", w.path), slog.Int("agents", len(agents)))
}
