package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a Catalog when files in the definitions directory change.
// A reload that fails validation keeps the previous catalog.
type Watcher struct {
	dir      string
	catalog  *Catalog
	logger   zerolog.Logger
	debounce time.Duration
	onReload func(count int, err error)

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	Dir      string
	Catalog  *Catalog
	Logger   zerolog.Logger
	Debounce time.Duration
	// OnReload is called after every reload attempt.
	OnReload func(count int, err error)
}

// NewWatcher creates a watcher for cfg.Dir
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	return &Watcher{
		dir:      cfg.Dir,
		catalog:  cfg.Catalog,
		logger:   cfg.Logger.With().Str("component", "pipeline-watcher").Logger(),
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	go w.eventLoop()
	w.logger.Info().Str("path", w.dir).Msg("Pipeline watcher started")
	return nil
}

// Stop stops watching and cancels any pending reload
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}

// Reload loads the directory now and replaces the catalog on success
func (w *Watcher) Reload() error {
	defs, err := LoadDir(w.dir)
	if err == nil {
		err = w.catalog.Replace(defs)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.dir).Msg("Pipeline reload rejected, keeping previous definitions")
	} else {
		w.logger.Info().Int("count", len(defs)).Msg("Pipeline definitions reloaded")
	}
	if w.onReload != nil {
		w.onReload(len(defs), err)
	}
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
		default:
			_ = w.Reload()
		}
	})
}
