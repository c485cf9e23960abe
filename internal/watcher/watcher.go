// Package watcher marks tracked documents as locally modified when their
// content file changes on disk.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// Marker records a local edit of a tracked node. It reports false when the
// change was not an edit, such as content the engine itself just stored.
type Marker interface {
	NoteLocalEdit(ctx context.Context, nodeSyncID string, modified time.Time) (bool, error)
}

// Watcher watches one account content directory
type Watcher struct {
	watcher *fsnotify.Watcher
	marker  Marker
	logger  logging.Logger
	root    string

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a watcher for root. It must be started with Start.
func New(root string, marker Marker, logger logging.Logger) (*Watcher, error) {
	if marker == nil {
		return nil, fmt.Errorf("marker is required")
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: w,
		marker:  marker,
		logger:  logger,
		root:    root,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Events are handled until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops watching and blocks until the event loop exits
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", logging.F("root", w.root), logging.F("error", err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	syncID, ok := w.nodeFor(event)
	if !ok {
		return
	}
	fi, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	marked, err := w.marker.NoteLocalEdit(ctx, syncID, fi.ModTime())
	if err != nil {
		w.logger.Debug("Ignoring change to untracked content",
			logging.F("path", event.Name),
			logging.F("error", err))
		return
	}
	if marked {
		w.logger.Info("Local edit detected", logging.F("node", syncID))
	}
}

// nodeFor maps a write or create of a content file to its sync id. Hidden
// files (partial downloads, tombstones) and removals are ignored.
func (w *Watcher) nodeFor(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return "", false
	}
	if filepath.Dir(filepath.Clean(event.Name)) != filepath.Clean(w.root) {
		return "", false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	syncID, _, err := identity.ParseContentFileName(name)
	if err != nil {
		return "", false
	}
	return syncID, true
}
