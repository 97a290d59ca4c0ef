package watcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"shotlog-service/internal/domain/shot"
)

// EventSink consumes (path, mtime) tuples for files appearing under the
// watched RAW root.
type EventSink interface {
	HandleFileEvent(evt shot.FileEvent)
}

// Watcher monitors the RAW tree recursively and forwards file events to
// the sink. Cameras drop files into per-folder subdirectories, so new
// directories are added to the watch as they appear.
type Watcher struct {
	rawRoot string
	sink    EventSink
	log     zerolog.Logger

	fs   *fsnotify.Watcher
	done chan struct{}
}

func New(rawRoot string, sink EventSink, log zerolog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		rawRoot: rawRoot,
		sink:    sink,
		log:     log.With().Str("component", "watcher").Logger(),
		fs:      fs,
		done:    make(chan struct{}),
	}, nil
}

// Start watches the RAW root and all existing subdirectories, then
// begins forwarding events in a background goroutine.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.rawRoot, 0o755); err != nil {
		return err
	}
	if err := w.fs.Add(w.rawRoot); err != nil {
		return err
	}
	if err := w.addSubdirectories(w.rawRoot); err != nil {
		w.log.Warn().Err(err).Msg("failed to watch some subdirectories")
	}

	go w.loop()
	w.log.Info().Str("raw_root", w.rawRoot).Msg("watcher started")
	return nil
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) addSubdirectories(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				w.log.Warn().Err(err).Str("dir", path).Msg("could not watch directory")
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.fs.Add(event.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", event.Name).Msg("could not watch new directory")
			}
		}
		return
	}

	go w.deliver(event.Name)
}

// deliver waits for the file to stop growing before forwarding it. Copy
// tools and cameras write in bursts; forwarding a half-written file
// would hand the engine an unstable mtime.
func (w *Watcher) deliver(path string) {
	if !w.waitStable(path) {
		w.log.Debug().Str("path", path).Msg("file never stabilized, skipping")
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.sink.HandleFileEvent(shot.FileEvent{Path: path, Time: info.ModTime()})
}

func (w *Watcher) waitStable(path string) bool {
	const probes = 5
	for i := 0; i < probes; i++ {
		before, err := os.Stat(path)
		if err != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
		after, err := os.Stat(path)
		if err != nil {
			return false
		}
		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return true
		}
	}
	return false
}
