package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/debounce"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config at path whenever it or one of its $include
// files changes on disk and passes each successfully loaded config to
// onChange. Invalid edits are logged and skipped. Watch returns once the
// watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	files := &watchSet{watcher: watcher, files: map[string]bool{}, dirs: map[string]bool{}}
	_, tree, _ := loadTree(absPath)
	// Editors replace files by rename, so directories are watched.
	if err := files.track(append([]string{absPath}, tree...)); err != nil {
		_ = watcher.Close()
		return err
	}

	reload := debounce.NewCoalescer(reloadDebounce, clock.Real{}, func(string) {
		raw, tree, err := loadTree(absPath)
		if err := files.track(tree); err != nil {
			logger.Warn("config watch incomplete", "error", err)
		}
		var cfg *Config
		if err == nil {
			cfg, err = finish(raw)
		}
		if err != nil {
			logger.Warn("config reload failed", "path", absPath, "error", err)
			return
		}
		logger.Info("config reloaded", "path", absPath, "files", len(tree))
		onChange(cfg)
	})

	go func() {
		defer watcher.Close()
		defer reload.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !files.has(evt.Name) {
					continue
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					reload.Submit(evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			}
		}
	}()
	return nil
}

// watchSet is the set of config files a watcher reacts to.
type watchSet struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]bool
}

func (w *watchSet) track(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.files[filepath.Clean(p)] = true
		dir := filepath.Dir(p)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	return nil
}

func (w *watchSet) has(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[filepath.Clean(name)]
}
