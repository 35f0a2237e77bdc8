package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plansession/pkg/plan"
)

// DefaultReloadDelay collapses bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes and hands the plan
// options to a callback.
type Watcher struct {
	path    string
	delay   time.Duration
	onload  func(plan.Options)
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// WatchOptions starts watching path. The directory is watched rather than
// the file so that editors which replace the file on save still trigger a
// reload. A reload that fails to parse or validate is logged and skipped.
// Watching stops when ctx is done or Close is called.
func WatchOptions(ctx context.Context, path string, delay time.Duration, logger zerolog.Logger, fn func(plan.Options)) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    abs,
		delay:   delay,
		onload:  fn,
		logger:  logger.With().Str("component", "config-watcher").Logger(),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.processEvents(ctx)

	w.logger.Info().Str("path", abs).Msg("Started watching config file")
	return w, nil
}

// Close stops the watcher and any pending reload.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Config file changed")
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload config")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	w.onload(cfg.Options)
}
