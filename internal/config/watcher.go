package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Deseer/websocket-postman/internal/logging"
)

// debounceWindow collapses the burst of write/rename events most editors
// produce on save into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher watches a config file's directory and calls OnChange after a
// debounce window once the file has been written.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	OnChange func(path string)
}

// NewWatcher creates a Watcher for path. Call Run to start it.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Run blocks, dispatching OnChange until ctx is cancelled. Call it from its
// own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				if w.OnChange != nil {
					w.OnChange(w.path)
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[config] watch error: %v", err)
		}
	}
}
