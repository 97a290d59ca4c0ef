package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shotlog-service/internal/domain/shot"
)

type captureSink struct {
	mu     sync.Mutex
	events []shot.FileEvent
}

func (s *captureSink) HandleFileEvent(evt shot.FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *captureSink) wait(t *testing.T, path string) shot.FileEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, evt := range s.events {
			if evt.Path == path {
				s.mu.Unlock()
				return evt
			}
		}
		s.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("no event delivered for %s", path)
	return shot.FileEvent{}
}

func startWatcher(t *testing.T, root string, sink EventSink) *Watcher {
	t.Helper()
	w, err := New(root, sink, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestDeliversStableFiles(t *testing.T) {
	root := t.TempDir()
	sink := &captureSink{}
	startWatcher(t, root, sink)

	path := filepath.Join(root, "lanex_shot_001.tif")
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}

	evt := sink.wait(t, path)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !evt.Time.Equal(info.ModTime()) {
		t.Errorf("event time %v, want file mtime %v", evt.Time, info.ModTime())
	}
}

func TestWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	sink := &captureSink{}
	startWatcher(t, root, sink)

	sub := filepath.Join(root, "Lanex")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "lanex_shot_002.tif")
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink.wait(t, path)
}

func TestWatchesExistingSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "Csi")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	sink := &captureSink{}
	startWatcher(t, root, sink)

	path := filepath.Join(sub, "csi_001.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink.wait(t, path)
}
