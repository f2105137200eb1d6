package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch debounce and error backoff tuning.
const (
	watchDebounce       = 250 * time.Millisecond
	watchErrInitBackoff = 100 * time.Millisecond
	watchErrMaxBackoff  = 5 * time.Second
	watchErrBackoffMult = 2
)

// Watch monitors a config file and invokes onChange with the freshly loaded
// Config whenever the file is rewritten. The watch is registered on the
// parent directory because editors typically replace the file (rename over)
// rather than write in place, which would orphan a file-level watch.
//
// Reload failures are logged and skipped; a half-saved file must not take
// down a running daemon. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}

	logger.Debug("config watch started", slog.String("path", path))

	base := filepath.Base(path)
	errBackoff := watchErrInitBackoff

	var debounce *time.Timer

	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(ev.Name) != base {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			// Collapse editor write bursts into one reload.
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}

			errBackoff = watchErrInitBackoff

		case <-debounceC:
			debounce = nil
			debounceC = nil

			cfg, loadErr := Load(path)
			if loadErr != nil {
				logger.Warn("config reload failed, keeping current settings",
					slog.String("path", path),
					slog.String("error", loadErr.Error()),
				)

				continue
			}

			logger.Info("config file reloaded", slog.String("path", path))
			onChange(cfg)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Backoff prevents a tight loop under sustained errors.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}
