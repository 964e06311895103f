// Package watch follows capture folders for new photos.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pilapse/internal/fsutil"
	"pilapse/internal/storage"
)

// DefaultSettle is how long a photo must stay quiet before it is handed on.
const DefaultSettle = 500 * time.Millisecond

// Event represents a file system change.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// Recorder persists events.
type Recorder interface {
	RecordFileEvent(rec storage.FileEventRecord) error
}

// Watcher monitors directories for photos.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	events  chan Event
	log     *slog.Logger
	rec     Recorder
	onPhoto func(Event)
	settle  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

type Option func(*Watcher)

// WithRecorder stores every event.
func WithRecorder(r Recorder) Option { return func(w *Watcher) { w.rec = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.log = l } }

// OnPhoto is called once a created or modified photo has settled.
func OnPhoto(fn func(Event)) Option { return func(w *Watcher) { w.onPhoto = fn } }

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option { return func(w *Watcher) { w.settle = d } }

// New creates a watcher for dirs. Nothing is watched until Run.
func New(dirs []string, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher: fw,
		dirs:    dirs,
		events:  make(chan Event, 100),
		log:     slog.Default(),
		settle:  DefaultSettle,
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Events returns the event stream. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.watcher.Close()
	defer w.stopPending()

	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)
		}
	}
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	}
	return "" // chmod
}

func (w *Watcher) handle(event fsnotify.Event) {
	op := operation(event.Op)
	if op == "" || !fsutil.IsImageFile(event.Name) {
		return
	}

	ev := Event{Path: event.Name, Operation: op, Time: time.Now()}
	if op != "deleted" && op != "renamed" {
		if info, err := os.Stat(event.Name); err == nil {
			ev.Size = info.Size()
		}
	}

	if w.rec != nil {
		if err := w.rec.RecordFileEvent(storage.FileEventRecord{
			Path:      ev.Path,
			EventType: ev.Operation,
			EventTime: ev.Time,
			Size:      ev.Size,
		}); err != nil {
			w.log.Warn("record file event", "path", ev.Path, "error", err)
		}
	}

	select {
	case w.events <- ev:
	default:
		w.log.Warn("event buffer full, dropping event", "path", ev.Path)
	}

	if op == "created" || op == "modified" {
		w.schedule(ev)
	}
}

// schedule delays onPhoto until writes to the path stop.
func (w *Watcher) schedule(ev Event) {
	if w.onPhoto == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[ev.Path]; ok {
		t.Stop()
	}
	w.pending[ev.Path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, ev.Path)
		w.mu.Unlock()
		if info, err := os.Stat(ev.Path); err == nil {
			ev.Size = info.Size()
		}
		w.onPhoto(ev)
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}
