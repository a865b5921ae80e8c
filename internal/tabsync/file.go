package tabsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/crdrive/internal/session"
	"github.com/tonimelisma/crdrive/internal/statefile"
)

// FileSource carries the most recent session event in a state file watched
// with fsnotify. It needs no broker, so it is the fallback when Redis is not
// configured. Only processes on the same host see it.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a source on the state file at path.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileSource{path: path, logger: logger}
}

// Name implements Source.
func (f *FileSource) Name() string { return "file" }

// Publish implements Source by atomically rewriting the state file.
func (f *FileSource) Publish(_ context.Context, ev session.Event) error {
	if err := statefile.Save(f.path, ev); err != nil {
		return fmt.Errorf("tabsync: %w", err)
	}

	return nil
}

// Subscribe implements Source. The directory is watched rather than the
// file, since every Publish replaces the file through a rename.
func (f *FileSource) Subscribe(ctx context.Context, fn func(session.Event)) (io.Closer, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, statefile.DirPerms); err != nil {
		return nil, fmt.Errorf("tabsync: creating %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tabsync: creating watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("tabsync: watching %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		f.watchLoop(ctx, watcher, fn)
	}()

	return closerFunc(func() error {
		cancel()
		<-done

		return nil
	}), nil
}

// watchLoop delivers the file's event on every create or write of the file.
// A single rename can surface as several fsnotify events; the Bus drops the
// duplicates by event id.
func (f *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fn func(session.Event)) {
	defer watcher.Close()

	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return

		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(fsEvent.Name) != target {
				continue
			}

			if !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
				continue
			}

			f.deliver(fn)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}

			f.logger.Warn("session file watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

func (f *FileSource) deliver(fn func(session.Event)) {
	var ev session.Event

	found, err := statefile.Load(f.path, &ev)
	if err != nil {
		f.logger.Debug("reading session file", slog.String("error", err.Error()))
		return
	}

	if !found || ev.ID == "" {
		return
	}

	fn(ev)
}
