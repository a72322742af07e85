package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultReloadInterval = 5 * time.Minute
	debounceInterval      = 100 * time.Millisecond
)

// Watcher calls OnChange with the file content whenever the file changes.
// It watches the directory so atomic renames are seen, and rereads the
// file on a timer in case events are lost.
type Watcher struct {
	Path           string
	ReloadInterval time.Duration
	OnChange       func(ctx context.Context, data []byte)
	Log            *slog.Logger

	last []byte
}

func (w *Watcher) reload(ctx context.Context, log *slog.Logger) {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		log.WarnContext(ctx, "failed to reload config file", "file", w.Path, "err", err)
		return
	}
	if w.last != nil && bytes.Equal(data, w.last) {
		log.DebugContext(ctx, "config file unchanged")
		return
	}
	w.last = data
	w.OnChange(ctx, data)
}

// Run blocks until ctx is done. The file is read once at startup.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.WithGroup("config-watcher")

	reloadInterval := w.ReloadInterval
	if reloadInterval <= 0 {
		reloadInterval = defaultReloadInterval
	}

	dir, fileName := filepath.Dir(w.Path), filepath.Base(w.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WarnContext(ctx, "failed to create file watcher, falling back to timer-only reloading", "err", err)
		watcher = nil
	} else if err = watcher.Add(dir); err != nil {
		log.WarnContext(ctx, "failed to watch config directory, falling back to timer-only reloading", "dir", dir, "err", err)
		watcher.Close()
		watcher = nil
	} else {
		log.InfoContext(ctx, "watching config directory for changes", "dir", dir, "file", fileName)
	}
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	w.reload(ctx, log)

	var debounceTimer *time.Timer
	timer := time.NewTimer(reloadInterval)
	defer timer.Stop()

	for {
		var (
			debounceC <-chan time.Time
			events    <-chan fsnotify.Event
			errs      <-chan error
		)
		if debounceTimer != nil {
			debounceC = debounceTimer.C
		}
		if watcher != nil {
			events, errs = watcher.Events, watcher.Errors
		}

		select {
		case <-debounceC:
			log.DebugContext(ctx, "debounce timer fired, triggering reload")
			debounceTimer = nil

		case event, ok := <-events:
			if !ok {
				log.WarnContext(ctx, "file watcher events channel closed")
				watcher = nil
				break
			}
			if filepath.Base(event.Name) != fileName ||
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.InfoContext(ctx, "config file changed", "event", event.String())
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(debounceInterval)
			continue

		case err, ok := <-errs:
			if !ok {
				log.WarnContext(ctx, "file watcher error channel closed")
				watcher = nil
			} else {
				log.WarnContext(ctx, "file watcher error", "err", err)
			}

		case <-timer.C:
			log.DebugContext(ctx, "timer triggered reload")

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			log.InfoContext(ctx, "config watcher shutting down")
			return nil
		}

		w.reload(ctx, log)
		timer.Reset(reloadInterval)
	}
}
