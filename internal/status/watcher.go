package status

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/relay/internal/logging"
)

// debounce coalesces the burst of events a single atomic write produces.
const debounce = 50 * time.Millisecond

// Watcher reports done.json writes under a Layout.
type Watcher struct {
	layout  Layout
	onDone  func(taskID string)
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a Watcher that calls onDone with the task id whenever
// a done marker appears or changes. onDone runs on the watcher goroutine.
func NewWatcher(layout Layout, onDone func(taskID string), logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		layout:  layout,
		onDone:  onDone,
		logger:  logger.WithComponent("status-watcher"),
		watcher: fw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start watches the status root and every existing task directory, then
// processes events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.layout.Root(), 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.layout.Root()); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.layout.Root())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addDir(filepath.Join(w.layout.Root(), e.Name()))
		}
	}

	go w.loop(ctx)
	return nil
}

// Stop halts the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) addDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch task directory", "dir", dir, "error", err)
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(ev.Name) == w.layout.Root() {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addDir(ev.Name)
					// The worker may have written its marker before the
					// directory was watched.
					if _, err := os.Stat(filepath.Join(ev.Name, DoneFile)); err == nil {
						pending[filepath.Base(ev.Name)] = struct{}{}
						timer.Reset(debounce)
					}
				}
				continue
			}
			if filepath.Base(ev.Name) != DoneFile {
				continue
			}
			pending[filepath.Base(filepath.Dir(ev.Name))] = struct{}{}
			timer.Reset(debounce)

		case <-timer.C:
			for taskID := range pending {
				w.logger.Debug("done marker observed", "task_id", taskID)
				if w.onDone != nil {
					w.onDone(taskID)
				}
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("status watcher error", "error", err)
		}
	}
}
