package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pilapse/internal/storage"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []storage.FileEventRecord
}

func (m *memRecorder) RecordFileEvent(rec storage.FileEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func TestWatcherSettlesPhotos(t *testing.T) {
	dir := t.TempDir()
	rec := &memRecorder{}
	photos := make(chan Event, 4)

	w, err := New([]string{dir},
		WithRecorder(rec),
		WithSettle(50*time.Millisecond),
		OnPhoto(func(ev Event) { photos <- ev }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "20240101_120000.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		f.Write([]byte("chunk"))
	}
	f.Close()
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	select {
	case ev := <-photos:
		if ev.Path != path {
			t.Fatalf("unexpected photo %s", ev.Path)
		}
		if ev.Size != 15 {
			t.Fatalf("expected settled size 15, got %d", ev.Size)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for photo")
	}

	select {
	case ev := <-photos:
		t.Fatalf("photo handed on twice: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	if rec.count() == 0 {
		t.Fatal("expected recorded events")
	}
	rec.mu.Lock()
	for _, r := range rec.recs {
		if filepath.Ext(r.Path) != ".png" {
			t.Errorf("non-photo event recorded: %s", r.Path)
		}
	}
	rec.mu.Unlock()
}

func TestWatcherEventsClosedOnStop(t *testing.T) {
	w, err := New([]string{t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}

func TestWatcherMissingDir(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "nope")})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing dir")
	}
}
