// Package watcher reports files that appear in an inbox directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

var ErrAlreadyWatching = errors.New("watcher already started")

// DefaultSettle is how long a file must stay unchanged before it is reported.
const DefaultSettle = 2 * time.Second

// InboxWatcher watches one directory (not recursively). A new file is
// reported once, as EventCreate, after writes to it have been quiet for
// the settle period so that half-copied videos are not picked up.
type InboxWatcher struct {
	logger *slog.Logger
	settle time.Duration

	mu       sync.Mutex
	callback func(path string, event EventType)
	fsw      *fsnotify.Watcher
	timers   map[string]*time.Timer
	done     chan struct{}
}

func NewInboxWatcher(logger *slog.Logger, settle time.Duration) *InboxWatcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &InboxWatcher{
		logger: logger.With("component", "watcher"),
		settle: settle,
		timers: make(map[string]*time.Timer),
	}
}

func (w *InboxWatcher) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = callback
}

// Watch starts watching path and returns; events are delivered until ctx
// is done or Stop is called.
func (w *InboxWatcher) Watch(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("inbox %s is not a directory", path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return ErrAlreadyWatching
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})

	go w.loop(ctx, fsw, w.done)
	w.logger.Info("watching inbox", "path", path, "settle", w.settle)
	return nil
}

func (w *InboxWatcher) Stop() error {
	w.mu.Lock()
	fsw := w.fsw
	done := w.done
	w.fsw = nil
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-done
	w.logger.Info("inbox watcher stopped")
	return err
}

func (w *InboxWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			go w.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *InboxWatcher) handle(ev fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if t, ok := w.timers[ev.Name]; ok {
			t.Stop()
			delete(w.timers, ev.Name)
		}
		w.mu.Unlock()
		w.emit(ev.Name, EventDelete)
	}
}

// schedule (re)starts the settle timer for path.
func (w *InboxWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		_, live := w.timers[path]
		delete(w.timers, path)
		w.mu.Unlock()
		if !live {
			return
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		w.emit(path, EventCreate)
	})
}

func (w *InboxWatcher) emit(path string, event EventType) {
	w.mu.Lock()
	cb := w.callback
	w.mu.Unlock()
	w.logger.Debug("inbox change", "path", path, "event", event)
	if cb != nil {
		cb(path, event)
	}
}
