package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it changes on disk and invokes onReload with
// the new config. Reload errors are logged and otherwise ignored: a bad
// edit to the config file must not bring down a running daemon, it should
// keep serving the last good config until the file is fixed.
func Watch(ctx context.Context, path string, log *zap.Logger, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				watcher.Close()
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(ctx, path)
				if err != nil {
					log.Warn("config reload failed, keeping previous config", zap.Error(err))
					continue
				}
				log.Info("config reloaded", zap.String("path", path))
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
