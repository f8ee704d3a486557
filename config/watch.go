package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/flowlines"
)

// DefaultDebounce is the quiet period Watch waits for after the last
// change event before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the configuration at path whenever it changes and passes
// each successfully parsed result to fn. It blocks until ctx is done.
//
// The parent directory is watched so editors that replace the file on
// save are seen. Bursts of events within debounce trigger one reload; a
// non-positive debounce selects DefaultDebounce. Files that fail to parse
// are logged and skipped.
func Watch(ctx context.Context, path string, debounce time.Duration, fn func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	log := flowlines.Logger()
	log.Info("config: watching for changes", "path", abs)

	debounceTimer := time.NewTimer(debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, abs) {
				continue
			}
			log.Debug("config: change detected", "file", event.Name, "op", event.Op.String())
			debounceTimer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config: watcher error", "err", err)

		case <-debounceTimer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config: reload failed", "path", abs, "err", err)
				continue
			}
			log.Info("config: reloaded", "path", abs)
			fn(cfg)

		case <-ctx.Done():
			return nil
		}
	}
}

func relevant(event fsnotify.Event, path string) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	name, err := filepath.Abs(event.Name)
	return err == nil && name == path
}
