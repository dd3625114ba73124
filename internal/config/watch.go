package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultWatchDebounce coalesces the burst of events editors emit when saving a file.
const DefaultWatchDebounce = 500 * time.Millisecond

// FileWatcher re-applies a settings file whenever it changes on disk.
type FileWatcher struct {
	path     string
	store    SettingsSetter
	debounce time.Duration
	onApply  func(keys []string)

	watcher *fsnotify.Watcher
	timer   *time.Timer
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewFileWatcher creates a watcher for path. onApply, when non-nil, is called after each
// successful re-apply with the keys that were written.
func NewFileWatcher(path string, store SettingsSetter, onApply func(keys []string)) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory: editors often replace the file instead of writing in place.
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &FileWatcher{
		path:     abs,
		store:    store,
		debounce: DefaultWatchDebounce,
		onApply:  onApply,
		watcher:  fsWatcher,
	}, nil
}

// Start processes file events in the background until ctx is cancelled.
func (w *FileWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *FileWatcher) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", w.path).Msg("Config watcher error")
		}
	}
}

// Wait blocks until the event loop has returned.
func (w *FileWatcher) Wait() {
	w.wg.Wait()
}

func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.apply)
}

func (w *FileWatcher) apply() {
	keys, err := ApplyFile(w.path, w.store)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to reload config file")
		return
	}

	log.Info().Str("path", w.path).Int("keys", len(keys)).Msg("Reloaded config file")
	if w.onApply != nil {
		w.onApply(keys)
	}
}
