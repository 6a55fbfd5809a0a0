package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const debounceInterval = 200 * time.Millisecond

// Watcher watches the config file for writes and calls onReload after a
// quiet period, debouncing the burst of events a single save often
// produces (editors commonly rewrite-and-rename rather than write in
// place). Adapted from mercator-hq-jupiter's policy/manager.FileWatcher,
// trimmed to a single file with no directory-walk or extension filtering,
// since this module always watches exactly one known config path.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *logrus.Entry

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher opens an fsnotify watch on path. The caller must call Run to
// begin dispatching and Close to release the underlying OS resources.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run blocks, invoking onReload once per debounced burst of file events,
// until Close is called.
func (w *Watcher) Run(onReload func()) {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce(onReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.WithError(err).Warn("config watcher error")
			}
		}
	}
}

func (w *Watcher) debounce(onReload func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, onReload)
}

// Close stops the watcher and releases its inotify/kqueue handle. It is
// safe to call whether or not Run was ever started.
func (w *Watcher) Close() {
	close(w.stop)
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		<-w.done
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	_ = w.watcher.Close()
}
