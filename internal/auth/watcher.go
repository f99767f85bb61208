package auth

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow is how long a token file must stay quiet before it is
// imported, so partially written files are not read.
const debounceWindow = 2 * time.Second

// Watcher imports token files into the manager whenever they appear or
// change. Start is idempotent; Stop releases the underlying notifier.
type Watcher struct {
	manager  *Manager
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	started bool
	done    chan struct{}
}

// NewWatcher creates a watcher that feeds the given manager.
func NewWatcher(manager *Manager, logger *zap.Logger) *Watcher {
	return &Watcher{
		manager:  manager,
		logger:   logger,
		debounce: debounceWindow,
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins watching the given file paths. Calling Start on a running
// watcher is a no-op. Paths that cannot be watched are logged and skipped.
func (w *Watcher) Start(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, path := range paths {
		// Watch the parent directory so files created later are seen too.
		if err := fsw.Add(filepath.Dir(path)); err != nil {
			w.logger.Warn("Failed to watch token file directory",
				zap.String("path", path), zap.Error(err))
		}
	}

	w.fsw = fsw
	w.started = true
	w.done = make(chan struct{})

	watched := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		watched[filepath.Clean(path)] = struct{}{}
	}

	go w.run(watched)

	w.logger.Info("Token file watcher started", zap.Int("paths", len(paths)))
	return nil
}

// Stop shuts the watcher down and releases resources. Safe to call on a
// stopped watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	fsw := w.fsw
	done := w.done
	w.mu.Unlock()

	// Closing the notifier ends the run goroutine; the lock is released
	// first because run may be waiting on it to schedule a sync.
	fsw.Close()
	<-done

	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.logger.Info("Token file watcher stopped")
}

// run consumes notifier events until the notifier closes.
func (w *Watcher) run(watched map[string]struct{}) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			if _, ok := watched[path]; !ok {
				continue
			}
			w.scheduleSync(path)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Token file watcher error", zap.Error(err))
		}
	}
}

// scheduleSync (re)arms the per-path debounce timer.
func (w *Watcher) scheduleSync(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.manager.SyncFromFile(path, ProviderForPath(path))
	})
}

// ProviderForPath infers the provider a token file belongs to from its
// filename.
func ProviderForPath(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "gemini"), strings.Contains(name, "google"):
		return "gemini"
	case strings.Contains(name, "openai"):
		return "openai"
	default:
		return "openai"
	}
}
