package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"toolmesh/pkg/logging"
)

// Watcher observes the configuration file and invokes a callback when it
// changes on disk. The runtime does not hot-reload; the callback is used
// to tell the operator a restart is required.
type Watcher struct {
	path     string
	onChange func(path string)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange func(path string)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Start begins watching. Editors typically replace the file rather than
// write in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.watcher = fsw
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logging.Info("Config", "Configuration file %s changed", w.path)
				if w.onChange != nil {
					w.onChange(w.path)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logging.Warn("Config", "Watcher error: %v", err)
			}
		}
	}()

	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw := w.watcher
	done := w.done
	w.watcher = nil
	w.done = nil
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
		<-done
	}
}
