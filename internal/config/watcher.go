package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDebounce collapses bursts of writes from editors into one reload.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands valid configs
// to onChange. Invalid configs are logged and ignored.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onChange func(*Config)
	onError  func(error)
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewWatcher creates a watcher for the loader's config file.
func NewWatcher(loader *Loader, onChange func(*Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(loader.GetConfigPath()),
		debounce: DefaultReloadDebounce,
		onChange: onChange,
		logger:   logger.With().Str("component", "config").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnError registers a callback for reloads that fail to load or validate.
// Call it before Start.
func (w *Watcher) OnError(fn func(error)) {
	w.onError = fn
}

// Start watches the config file's directory, so atomic renames by editors
// are seen too.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.watcher = watcher

	go w.run()
	w.logger.Info().Str("path", w.path).Msg("Watching config file")
	return nil
}

func (w *Watcher) run() {
	defer close(w.done)

	debounce := time.NewTimer(0)
	<-debounce.C // drain initial timer
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed")
		w.fail(err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping current settings")
		w.fail(err)
		return
	}
	w.logger.Info().Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// Close stops watching. Safe to call more than once, or before Start.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		if w.watcher != nil {
			<-w.done
			err = w.watcher.Close()
		}
	})
	return err
}
