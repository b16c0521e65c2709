package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/captrail/captrail/pkg/logging"
)

// debounce window for editor write bursts (write + rename + chmod).
const watchDebounce = 250 * time.Millisecond

// Watch reloads the config file on change and invokes onChange with each
// valid new configuration. Invalid edits are logged and skipped; the running
// config stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// atomic-rename saves (vim, sed -i) keep working.
func Watch(ctx context.Context, path string, log logging.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	log.Info("watching config file", logging.F("path", path))

	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := LoadConfigFile(path)
			if err != nil {
				log.Warn("config reload skipped", logging.Err(err))
				continue
			}
			log.Info("config reloaded", logging.F("path", path))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logging.Err(err))
		}
	}
}
