package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// maxStateFileBytes bounds how much of the state file is read.
const maxStateFileBytes = 256

// FileFeed watches a small text file whose trimmed content is the
// current transport name. A missing or empty file means offline. An
// event is published each time the content changes.
type FileFeed struct {
	hub

	path   string
	logger *slog.Logger
	last   string
}

// NewFileFeed returns a feed for path. Call Run to start watching.
func NewFileFeed(path string, logger *slog.Logger) *FileFeed {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileFeed{path: path, logger: logger}
}

// Run publishes the file's current state and then follows changes until
// ctx is cancelled. The parent directory is watched so editors that
// replace the file by rename are picked up.
func (f *FileFeed) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(f.path), err)
	}

	f.last = "\x00"
	f.refresh()

	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			f.refresh()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			f.logger.Warn("connectivity watcher error", slog.String("error", err.Error()))
		}
	}
}

func (f *FileFeed) refresh() {
	transport, err := readTransport(f.path)
	if err != nil {
		f.logger.Warn("reading connectivity file",
			slog.String("path", f.path),
			slog.String("error", err.Error()),
		)

		return
	}

	if transport == f.last {
		return
	}

	f.last = transport
	f.logger.Debug("connectivity changed", slog.String("transport", transport))
	f.publish(Event{Transport: transport})
}

func readTransport(path string) (string, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return TransportNone, nil
	}

	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := make([]byte, maxStateFileBytes)

	n, err := file.Read(buf)
	if err != nil && n == 0 {
		return TransportNone, nil
	}

	transport := strings.ToLower(strings.TrimSpace(string(buf[:n])))
	if transport == "" {
		return TransportNone, nil
	}

	return transport, nil
}
