package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orchardproj/orchard/pkg/telemetry"
)

// Watch watches the config file and applies the logging level on change.
// Only the level is hot-reloaded; everything else needs a restart. The
// watcher stops when ctx is cancelled.
func Watch(ctx context.Context, path string, log *telemetry.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}

	go processEvents(ctx, watcher, path, log)

	log.WithField("path", path).Debug("watching config file")
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, log *telemetry.Logger) {
	defer func() { _ = watcher.Close() }()

	// Editors often fire several events per save; debounce them.
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				reload(path, log)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

func reload(path string, log *telemetry.Logger) {
	cfg, err := Load(path)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid config change")
		return
	}

	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)
	log.WithField("level", cfg.Telemetry.Logging.Level).Info("applied log level from config change")
}
