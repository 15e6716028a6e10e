package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever its file changes on disk. The
// parent directory is watched rather than the file itself so editors that
// replace the file atomically still trigger a reload. Stops when the manager
// closes.
func (m *Manager) Watch(logger *slog.Logger) error {
	if m.path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}

	m.watchWG.Add(1)
	go m.watchLoop(watcher, logger)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, logger *slog.Logger) {
	defer m.watchWG.Done()
	defer watcher.Close()

	target := filepath.Clean(m.path)
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-m.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; coalesce them.
			if pending == nil {
				pending = time.NewTimer(watchDebounce)
				pendingC = pending.C
			} else {
				pending.Reset(watchDebounce)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := m.Reload(); err != nil {
				logger.Warn("config reload failed", "path", m.path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", m.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
