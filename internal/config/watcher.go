package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-parses the top-level document when it changes on disk and
// keeps the last good snapshot when an edit breaks parsing.
type Watcher struct {
	path string

	mu      sync.RWMutex
	current *Config

	// OnChange runs with the freshly parsed config after every good
	// reload. Optional.
	OnChange func(*Config)

	watcher *fsnotify.Watcher
}

func NewWatcher(path string, initial *Config) *Watcher {
	return &Watcher{path: path, current: initial}
}

// Current returns the last good snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the config file's directory until ctx is cancelled.
// Editors replace files rather than writing in place, so the directory
// is watched and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	// Writes arrive in bursts; debounce before re-parsing.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[config] reload failed, keeping last good config: %v", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	log.Printf("[config] reloaded %s", w.path)

	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}
