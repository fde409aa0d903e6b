package contactcache

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adamavenir/cc4me/internal/logging"
)

// Watcher reloads a Cache whenever its backing file is changed by an
// external writer: an fsnotify.Watcher wrapping a debounced reload loop.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	log       *logging.Logger
}

// Watch starts watching cache's backing file for external changes.
// Call Close to stop.
func Watch(cache *Cache) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cache.Path())
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		done:      make(chan struct{}),
		log:       logging.New("contactcache"),
	}

	go w.run(cache)
	return w, nil
}

func (w *Watcher) run(cache *Cache) {
	var pending *time.Timer
	target := cache.Path()

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, cache.Reload)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("fsnotify error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}
