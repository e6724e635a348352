// Package watcher implements the config-file watcher (spec component C5):
// it watches each project's config file by its containing directory, so
// that rename-into-place, copy-into-place and create-in-place are all
// detected even though none of them deliver an inotify event on the
// destination path unless the directory itself is watched, and delivers a
// debounced change Event to its Handler.
package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Event reports that project's config file changed, or was removed.
// Removal is logged by the caller but does not trigger a recycle -- the
// existing pool keeps serving the last-loaded config (spec section 4.5).
type Event struct {
	Project string
	Removed bool
}

// Handler receives config-change events. It is invoked from the watcher's
// own goroutine; handlers that do non-trivial work should hand off rather
// than block it.
type Handler func(Event)

// Watcher multiplexes fsnotify events for every watched project's config
// file across however many distinct directories those files live in.
type Watcher struct {
	log     *logrus.Entry
	fsw     *fsnotify.Watcher
	handler Handler
	debounce time.Duration

	mu      sync.Mutex
	dirRefs map[string]int               // directory -> number of watched files in it
	byDir   map[string]map[string]string // dir -> base filename -> project name

	timersMu sync.Mutex
	timers   map[string]*time.Timer // path -> pending debounce timer

	stop chan struct{}
	done chan struct{}
}

// New creates a Watcher. debounce coalesces bursts of events for the same
// path (several editors write a file in more than one syscall) into a
// single handler call. Removal events are not debounced.
func New(log *logrus.Entry, debounce time.Duration, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		log:      log,
		fsw:      fsw,
		handler:  handler,
		debounce: debounce,
		dirRefs:  make(map[string]int),
		byDir:    make(map[string]map[string]string),
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Watch registers project's config file for watching. Calling it again
// for the same project updates the watched path (used on reconcile, where
// a project's config_file may change between reloads).
func (w *Watcher) Watch(project, path string) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.unwatchLocked(project)

	if _, ok := w.byDir[dir]; !ok {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		w.byDir[dir] = make(map[string]string)
	}
	w.byDir[dir][base] = project
	w.dirRefs[dir]++
	return nil
}

// Unwatch stops watching project's config file.
func (w *Watcher) Unwatch(project string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(project)
}

func (w *Watcher) unwatchLocked(project string) {
	for dir, files := range w.byDir {
		for base, p := range files {
			if p != project {
				continue
			}
			delete(files, base)
			w.dirRefs[dir]--
			if w.dirRefs[dir] <= 0 {
				w.fsw.Remove(dir)
				delete(w.dirRefs, dir)
				delete(w.byDir, dir)
			}
		}
	}
}

// Start runs the event loop in a new goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	base := filepath.Base(ev.Name)

	w.mu.Lock()
	project, ok := w.byDir[dir][base]
	w.mu.Unlock()
	if !ok {
		// A directory may hold other projects' config files, or be the
		// watch-removed case where the directory itself vanished.
		return
	}

	switch {
	case ev.Op&fsnotify.Remove != 0:
		w.log.WithField("project", project).Info("config file removed, keeping existing workers")
		w.fire(ev.Name, Event{Project: project, Removed: true})
	case ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
		w.debounced(ev.Name, func() {
			w.fire(ev.Name, Event{Project: project})
		})
	}
}

func (w *Watcher) debounced(path string, fn func()) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	if t, exists := w.timers[path]; exists {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()
		fn()
	})
}

func (w *Watcher) fire(path string, ev Event) {
	w.log.WithFields(logrus.Fields{"project": ev.Project, "path": path, "removed": ev.Removed}).
		Info("project config changed")
	if w.handler != nil {
		w.handler(ev)
	}
}
