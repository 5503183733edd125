// Package corewatcher implements the Watcher façade of spec.md §4.4: it
// composes the Watch Table, Event Source, and Event Queue behind a small
// public surface (start/stop/next_event/is_running/take_error) and owns the
// single background goroutine that drives the watch loop.
package corewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/clockwork/fpe/internal/eventqueue"
	"github.com/clockwork/fpe/internal/eventsource"
	"github.com/clockwork/fpe/internal/logging"
)

// Watcher composes the Watch Table, Event Source, and Event Queue and
// exposes the operations described in spec.md §4.4. It is safe to call Stop
// concurrently with any other method; Start must be called at most once.
type Watcher struct {
	root     string
	maxDepth int
	logger   logging.Logger

	queue  *eventqueue.Queue
	source *eventsource.Source

	running atomic.Bool
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// New constructs a Watcher bound to root and maxDepth. root must be a
// non-empty, existing directory; maxDepth must be ≥ −1. root is normalized
// to end in "/" per spec.md §3. Construction opens the kernel notification
// handle and adds the initial watch on root; it does not start the
// background goroutine — call Start for that.
func New(root string, maxDepth int, logger logging.Logger) (*Watcher, error) {
	if root == "" {
		return nil, fmt.Errorf("corewatcher: root must not be empty")
	}
	if maxDepth < -1 {
		return nil, fmt.Errorf("corewatcher: max_depth must be >= -1, got %d", maxDepth)
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("corewatcher: root must be an absolute path, got %q", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("corewatcher: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("corewatcher: root %q is not a directory", root)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	normRoot := root
	if !strings.HasSuffix(normRoot, "/") {
		normRoot += "/"
	}

	queue := eventqueue.New()

	source, err := eventsource.New(normRoot, maxDepth, logger, queue)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     normRoot,
		maxDepth: maxDepth,
		logger:   logger,
		queue:    queue,
		source:   source,
	}
	source.SetOnEmpty(w.Stop)
	w.running.Store(true)

	return w, nil
}

// Watch runs the watch loop of spec.md §4.2 on the calling goroutine. It
// returns once shutdown has been observed (via Stop, root removal, or a
// terminal read error).
func (w *Watcher) Watch() {
	w.source.Run(func() bool { return !w.running.Load() }, w.Stop)
}

// Start launches Watch on a new background goroutine and returns
// immediately, matching the teacher's "construction spawns, destruction
// joins" thread-ownership convention.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Watch()
	}()
}

// Stop sets the shutdown flag, signals the Event Queue so any blocked
// consumer wakes, and destroys the Watch Table. Idempotent and safe to call
// from any goroutine, including from within the Event Source's own
// goroutine (root-removal shutdown) or a consumer's goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.running.Store(false)
		w.source.WakeForStop()
		w.queue.Stop()
		w.source.Destroy()
	})
}

// Wait blocks until the watch goroutine started by Start has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// NextEvent forwards to the Event Queue's blocking dequeue, per spec.md
// §4.3: it returns the None sentinel, without blocking indefinitely, once
// the queue has been stopped and drained.
func (w *Watcher) NextEvent() eventqueue.Event {
	return w.queue.Dequeue()
}

// IsRunning returns the negation of the shutdown flag.
func (w *Watcher) IsRunning() bool {
	return w.running.Load()
}

// TakeError returns any error captured by the Event Source during the watch
// loop, once; subsequent calls return nil until a new error is captured.
func (w *Watcher) TakeError() error {
	return w.source.TakeError()
}

// WatchTableSize reports the number of directories currently watched, for
// status reporting.
func (w *Watcher) WatchTableSize() int {
	return w.source.TableSize()
}

// QueueDepth reports the number of buffered, undelivered logical events, for
// status reporting.
func (w *Watcher) QueueDepth() int {
	return w.queue.Len()
}
