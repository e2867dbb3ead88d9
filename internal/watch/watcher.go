// Package watch reloads snapshot documents when they change on disk.
package watch

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// ChangeCallback receives the base names of changed snapshot documents
type ChangeCallback func(files []string)

// Watcher monitors a snapshot directory
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	callback ChangeCallback
	debounce time.Duration
	log      pslog.Logger

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New watches dir. The directory must exist.
func New(dir string, callback ChangeCallback, logger pslog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Watcher{
		watcher:  fw,
		dir:      dir,
		callback: callback,
		debounce: 500 * time.Millisecond, // sync writes several documents
		log:      logger.With("component", "watch", "dir", dir),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets how long changes are batched
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// IsSnapshotDocument reports whether name is projects.json or a
// tests-<id>.json document
func IsSnapshotDocument(name string) bool {
	base := filepath.Base(name)
	if base == "projects.json" {
		return true
	}
	return strings.HasPrefix(base, "tests-") && strings.HasSuffix(base, ".json")
}

// Start begins watching
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watch error", "err", err)
			}
		}
	}()
}

// Stop stops watching and drops changes not yet delivered
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsSnapshotDocument(event.Name) {
		return
	}
	// atomic replacement shows up as Create or Rename of the target
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[filepath.Base(event.Name)] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil || len(pending) == 0 {
		return
	}
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	w.log.Debug("snapshot documents changed", "files", files)
	w.callback(files)
}
