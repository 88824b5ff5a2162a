package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/coachcoreai/coachcore/backend/internal/logging"
)

// StateSetter receives platform signals.
type StateSetter interface {
	Set(online bool) bool
}

// FileIndicator forwards the state of a flag file written by the host shell.
// The file holds "online" or "offline"; a missing file means offline.
type FileIndicator struct {
	path   string
	target StateSetter

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewFileIndicator creates an indicator for path that reports to target.
func NewFileIndicator(path string, target StateSetter) *FileIndicator {
	return &FileIndicator{
		path:   filepath.Clean(path),
		target: target,
	}
}

// ReadFlag reads the flag file. Anything other than online, true or 1 is offline.
func ReadFlag(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "true", "1":
		return true
	default:
		return false
	}
}

// Start pushes the current flag state and then watches the file's
// directory for changes. It returns immediately.
func (f *FileIndicator) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	f.watcher = watcher
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.running = true

	f.target.Set(ReadFlag(f.path))
	logging.Info("Watching connectivity flag", map[string]interface{}{"path": f.path})

	go f.run(ctx, watcher, f.stopCh, f.doneCh)
	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (f *FileIndicator) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stopCh, doneCh, watcher := f.stopCh, f.doneCh, f.watcher
	f.mu.Unlock()

	close(stopCh)
	<-doneCh
	if err := watcher.Close(); err != nil {
		logging.Error("Failed to close connectivity watcher", err)
	}
}

func (f *FileIndicator) run(ctx context.Context, watcher *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			f.target.Set(ReadFlag(f.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				logging.Error("Connectivity watcher error", err)
				continue
			}
			// Events were dropped; resynchronise from the file.
			f.target.Set(ReadFlag(f.path))
		}
	}
}
