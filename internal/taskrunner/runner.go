// Package taskrunner implements the Task Runner of spec.md §4.5: it
// consumes the Watcher's event stream, filters for "added" events, invokes
// the configured action, and coordinates shutdown with the Watcher.
package taskrunner

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/clockwork/fpe/internal/action"
	"github.com/clockwork/fpe/internal/corewatcher"
	"github.com/clockwork/fpe/internal/eventqueue"
	"github.com/clockwork/fpe/internal/logging"
)

// State is the Task Runner's lifecycle state machine (spec.md §4.5):
// init → running → stopping → stopped.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Observer receives every dispatched outcome, in addition to the action
// itself. It is used to feed the audit ledger and the live WebSocket feed
// without coupling the Task Runner to either. Observers are called
// synchronously on the monitor goroutine after each action returns, so the
// next event is not dispatched until every Observe call has returned: the
// ledger observer blocks on its write, the live observer does not block.
type Observer interface {
	Observe(evt eventqueue.Event, ruleName string, success bool)
}

// Runner is the Task Runner of spec.md §4.5.
type Runner struct {
	taskName string
	action   action.Func
	cfg      *action.Config
	killCount int

	logger  logging.Logger
	watcher *corewatcher.Watcher

	observers []Observer

	state atomic.Int32

	successCount atomic.Int64
	failureCount atomic.Int64

	capturedErr error
	mu          sync.Mutex

	wg sync.WaitGroup
}

// New constructs a Runner bound to a freshly constructed Watcher over root
// and maxDepth. It asserts the preconditions of spec.md §4.5: taskName
// non-empty, root non-empty, maxDepth ≥ −1, act non-nil, cfg non-nil.
// killCount of 0 means unbounded; otherwise the Runner exits after that
// many action calls, successful or not.
func New(taskName, root string, maxDepth int, act action.Func, cfg *action.Config, killCount int, logger logging.Logger) (*Runner, error) {
	if taskName == "" {
		return nil, fmt.Errorf("taskrunner: task_name must not be empty")
	}
	if root == "" {
		return nil, fmt.Errorf("taskrunner: root must not be empty")
	}
	if maxDepth < -1 {
		return nil, fmt.Errorf("taskrunner: max_depth must be >= -1, got %d", maxDepth)
	}
	if act == nil {
		return nil, fmt.Errorf("taskrunner: action must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("taskrunner: shared_config must not be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	w, err := corewatcher.New(root, maxDepth, logger)
	if err != nil {
		return nil, fmt.Errorf("taskrunner: %w", err)
	}

	r := &Runner{
		taskName:  taskName,
		action:    act,
		cfg:       cfg,
		killCount: killCount,
		logger:    logger,
		watcher:   w,
	}
	r.state.Store(int32(StateInit))

	return r, nil
}

// AddObserver registers an Observer. Must be called before Start.
func (r *Runner) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Start launches the Watcher's background thread and the Runner's own
// monitor goroutine, then returns immediately. Use Wait to block until the
// Runner has fully stopped.
func (r *Runner) Start() {
	r.state.Store(int32(StateRunning))
	r.watcher.Start()
	r.wg.Add(1)
	go r.monitor()
}

// Wait blocks until the monitor goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop forwards to the Watcher's Stop, which wakes the monitor loop's next
// NextEvent call. Idempotent, safe from any goroutine.
func (r *Runner) Stop() {
	r.watcher.Stop()
}

// State reports the Runner's current lifecycle state. The concrete value is
// a State; the fmt.Stringer result type lets *Runner satisfy
// httpapi.StatusSource.
func (r *Runner) State() fmt.Stringer {
	return State(r.state.Load())
}

// Counts reports the number of successful and failed action invocations so
// far, for status reporting.
func (r *Runner) Counts() (success, failure int64) {
	return r.successCount.Load(), r.failureCount.Load()
}

// WatchTableSize and QueueDepth forward to the underlying Watcher, for
// status reporting.
func (r *Runner) WatchTableSize() int { return r.watcher.WatchTableSize() }
func (r *Runner) QueueDepth() int     { return r.watcher.QueueDepth() }

// monitor is the loop of spec.md §4.5.
func (r *Runner) monitor() {
	defer r.wg.Done()
	defer r.shutdown()

	remaining := r.killCount

	for r.watcher.IsRunning() {
		evt := r.watcher.NextEvent()

		switch evt.Kind {
		case eventqueue.KindAdded:
			if evt.Payload == "" {
				continue
			}
			r.dispatch(evt, &remaining)
			if r.killCount > 0 && remaining == 0 {
				return
			}
		case eventqueue.KindError:
			if evt.Payload != "" {
				r.logger.Error(r.taskName+": watcher error", "error", evt.Payload)
			}
		case eventqueue.KindNone:
			continue
		default:
			// changed/removed/dir-added/dir-removed are not acted on by
			// the Task Runner; spec.md §4.5 filters for "added" only.
		}
	}
}

func (r *Runner) dispatch(evt eventqueue.Event, remaining *int) {
	success := r.runAction(evt.Payload)

	for _, o := range r.observers {
		o.Observe(evt, r.taskName, success)
	}

	if success {
		r.successCount.Add(1)
	} else {
		r.failureCount.Add(1)
	}

	if r.killCount > 0 {
		*remaining--
	}
}

// runAction invokes the action, recovering from a panic so a single
// misbehaving action cannot take down the monitor loop silently; a panic is
// treated the same as the action returning false, then re-raised as a
// captured error that stops the Runner (spec.md §4.5: "On any exception
// from action or the loop body, capture it, then ensure watcher.stop() and
// join the watcher thread before returning").
func (r *Runner) runAction(path string) (success bool) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			if r.capturedErr == nil {
				r.capturedErr = fmt.Errorf("taskrunner: action panic: %v", p)
			}
			r.mu.Unlock()
			r.logger.Error(r.taskName+": action panicked", "path", path, "panic", p)
			success = false
			r.Stop()
		}
	}()

	return r.action(path, r.cfg)
}

func (r *Runner) shutdown() {
	r.state.Store(int32(StateStopping))
	r.watcher.Stop()
	r.watcher.Wait()
	r.state.Store(int32(StateStopped))
}

// TakeError returns any error captured from a panicking action or from the
// Watcher's Event Source, once.
func (r *Runner) TakeError() error {
	r.mu.Lock()
	captured := r.capturedErr
	r.capturedErr = nil
	r.mu.Unlock()

	if captured != nil {
		return captured
	}
	return r.watcher.TakeError()
}
