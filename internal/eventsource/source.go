// Package eventsource owns the kernel notification handle (Linux inotify),
// maintains the recursive watch set as the tree mutates, and classifies raw
// kernel events into the logical event taxonomy carried by eventqueue.Event
// (spec.md §4.2).
//
//go:build linux

package eventsource

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"github.com/clockwork/fpe/internal/eventqueue"
	"github.com/clockwork/fpe/internal/logging"
	"github.com/clockwork/fpe/internal/watchtable"
)

// Linux inotify event flag constants (kernel ABI — never change). These
// match the values in <sys/inotify.h>; the stdlib syscall package exposes
// equivalent named constants, used directly below.
const (
	watchMask = syscall.IN_CREATE | syscall.IN_CLOSE_WRITE | syscall.IN_DELETE |
		syscall.IN_MOVED_FROM | syscall.IN_MOVED_TO | syscall.IN_DELETE_SELF |
		syscall.IN_MODIFY | syscall.IN_ISDIR
)

// inotifyEventSize is the fixed size of the inotify_event header (excl. name).
var inotifyEventSize = syscall.SizeofInotifyEvent

// bufSize is sized for many events per read syscall, matching spec.md §4.4's
// requirement that the Watcher allocate "an event read buffer sized for
// many events per read syscall".
const bufSize = 4096 * (16 + 256)

// ErrKind identifies which taxonomy entry of spec.md §7 an Error carries.
type ErrKind int

const (
	ErrResourceInit ErrKind = iota
	ErrWatchAdd
	ErrWatchRemove
	ErrRead
)

// Error is the typed error surfaced across the Source/Watcher boundary via
// take_error (spec.md invariant 5: captured once, surfaced once).
type Error struct {
	Kind ErrKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("eventsource: %v: %s: %v", e.kindLabel(), e.Path, e.Err)
	}
	return fmt.Sprintf("eventsource: %v: %v", e.kindLabel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) kindLabel() string {
	switch e.Kind {
	case ErrResourceInit:
		return "resource-init-error"
	case ErrWatchAdd:
		return "watch-add-error"
	case ErrWatchRemove:
		return "watch-remove-error"
	case ErrRead:
		return "read-error"
	default:
		return "error"
	}
}

// Source owns the inotify file descriptor, the Watch Table, and the
// Creation Set, and drives the classification loop of spec.md §4.2. It must
// only be driven from a single goroutine (Run); the Watch Table and
// Creation Set have no lock, per spec.md invariant 3.
type Source struct {
	root         string
	maxDepth     int // absolutized: -1 unbounded, else root's separator count + configured depth
	rootSepCount int

	logger logging.Logger
	queue  *eventqueue.Queue
	table  *watchtable.Table

	creating map[string]struct{}

	fd    int
	pipeR int
	pipeW int

	// onEmpty is invoked (at most once) when the Watch Table becomes empty
	// as a result of a watch removal — spec.md §4.2's "invokes stop on the
	// owning Watcher". Set by the owning Watcher after construction.
	onEmpty func()

	mu  sync.Mutex
	err error
}

// New opens the inotify instance and adds the initial watch on root. root
// must already be normalized (absolute, trailing separator). maxDepth is
// the raw configured depth (-1 unbounded, else ≥ 0); New absolutizes it by
// adding root's separator count, per spec.md §4.4.
func New(root string, maxDepth int, logger logging.Logger, queue *eventqueue.Queue) (*Source, error) {
	fd, err := syscall.InotifyInit1(syscall.IN_CLOEXEC)
	if err != nil {
		return nil, &Error{Kind: ErrResourceInit, Err: err}
	}

	var pipeFds [2]int
	if perr := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); perr != nil {
		syscall.Close(fd)
		return nil, &Error{Kind: ErrResourceInit, Err: perr}
	}

	rootSepCount := strings.Count(root, "/")
	absDepth := maxDepth
	if maxDepth != -1 {
		absDepth = maxDepth + rootSepCount
	}

	s := &Source{
		root:         root,
		maxDepth:     absDepth,
		rootSepCount: rootSepCount,
		logger:       logger,
		queue:        queue,
		table:        watchtable.New(),
		creating:     make(map[string]struct{}),
		fd:           fd,
		pipeR:        pipeFds[0],
		pipeW:        pipeFds[1],
	}

	if err := s.addWatch(root); err != nil {
		syscall.Close(s.pipeW)
		syscall.Close(s.pipeR)
		syscall.Close(fd)
		return nil, err
	}

	return s, nil
}

// SetOnEmpty registers the callback invoked when the Watch Table becomes
// empty from a watch removal (i.e. the root was removed). It must be called
// before Run.
func (s *Source) SetOnEmpty(fn func()) {
	s.onEmpty = fn
}

// depth returns the separator-count depth of path relative to root.
func (s *Source) depth(path string) int {
	return strings.Count(path, "/") - s.rootSepCount
}

// watchable reports whether path is within the configured recursion limit.
func (s *Source) watchable(path string) bool {
	if s.maxDepth == -1 {
		return true
	}
	return s.depth(path) <= s.maxDepth-s.rootSepCount
}

// addWatch adds a kernel watch on path (spec.md §4.2's add_watch). If path
// exceeds max_depth it is a silent no-op success. On kernel failure it
// returns a watch-add-error carrying the OS error.
func (s *Source) addWatch(path string) error {
	if !s.watchable(path) {
		return nil
	}

	wd, err := syscall.InotifyAddWatch(s.fd, strings.TrimSuffix(path, "/"), watchMask)
	if err != nil {
		return &Error{Kind: ErrWatchAdd, Path: path, Err: err}
	}

	s.table.Insert(wd, path)
	return nil
}

// removeWatch detaches the kernel watch on path (spec.md §4.2's
// remove_watch). An absent path is logged and treated as success (the
// kernel may have auto-removed it already). EINVAL from inotify_rm_watch is
// swallowed as benign. If the table becomes empty as a result, onEmpty is
// invoked.
func (s *Source) removeWatch(path string) error {
	id, ok := s.table.LookupID(path)
	if !ok {
		s.logger.Info("eventsource: remove_watch on unknown path, likely auto-removed by kernel", "path", path)
		return nil
	}

	s.table.RemoveByPath(path)

	if _, err := syscall.InotifyRmWatch(s.fd, uint32(id)); err != nil {
		if err != syscall.EINVAL {
			return &Error{Kind: ErrWatchRemove, Path: path, Err: err}
		}
	}

	if s.table.Size() == 0 && s.onEmpty != nil {
		s.onEmpty()
	}

	return nil
}

// Destroy detaches every remaining watch, closes the inotify fd and the
// self-pipe, and clears the Watch Table. Idempotent: a second call finds an
// empty table and a best-effort close of already-closed descriptors.
func (s *Source) Destroy() {
	s.table.Each(func(id int, _ string) {
		_, _ = syscall.InotifyRmWatch(s.fd, uint32(id))
	})
	s.table.Clear()
	syscall.Close(s.fd)
	syscall.Close(s.pipeR)
	syscall.Close(s.pipeW)
}

// WakeForStop unblocks a Run goroutine parked in poll(2) by writing to the
// shutdown self-pipe, without tearing down any kernel state. Safe to call
// from any goroutine.
func (s *Source) WakeForStop() {
	syscall.Write(s.pipeW, []byte{0}) //nolint:errcheck
}

// TableSize reports the number of watch entries currently tracked, for
// status reporting.
func (s *Source) TableSize() int {
	return s.table.Size()
}

// TakeError returns the error captured during Run, if any, and clears it so
// a second call returns nil — spec.md invariant 5: captured once, surfaced
// exactly once.
func (s *Source) TakeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *Source) captureError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Run is the watch loop of spec.md §4.2. It blocks on poll(2) multiplexing
// the inotify fd and the shutdown self-pipe, classifying and enqueuing
// logical events until told to stop. It must run on its own goroutine.
// stopped reports whether the owning Watcher has already observed shutdown;
// Run consults it on exit to decide whether to call requestStop itself.
func (s *Source) Run(stopped func() bool, requestStop func()) {
	buf := make([]byte, bufSize)
	// pollFd is struct pollfd from <poll.h>; the syscall package has no poll(2) wrapper.
	type pollFd struct {
		fd              int32
		events, revents int16
	}
	const pollIn = 0x1
	pollFds := [2]pollFd{{fd: int32(s.fd), events: pollIn}, {fd: int32(s.pipeR), events: pollIn}}

	for {
		if stopped() {
			break // Stop has closed the descriptors; poll would only report POLLNVAL
		}
		_, _, errno := syscall.Syscall6(syscall.SYS_PPOLL, uintptr(unsafe.Pointer(&pollFds[0])), uintptr(len(pollFds)), 0, 0, 0, 0)
		if errno != 0 {
			if errno == syscall.EINTR {
				continue
			}
			s.reportReadError(errno)
			break
		}

		if pollFds[1].revents&pollIn != 0 {
			break // shutdown signalled via self-pipe
		}

		if pollFds[0].revents&pollIn == 0 {
			continue
		}

		n, err := syscall.Read(s.fd, buf)
		if err != nil {
			if stopped() {
				break // read failing because fd was closed underneath us during shutdown
			}
			s.reportReadError(err)
			break
		}

		s.parseAndDispatch(buf[:n])
	}

	if !stopped() {
		requestStop()
	}
}

func (s *Source) reportReadError(err error) {
	s.captureError(&Error{Kind: ErrRead, Err: err})
	s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindError, Payload: err.Error()})
}

// parseAndDispatch processes a raw inotify event buffer, extracting each
// fixed-size header plus variable-length name and dispatching one logical
// event per entry, per the binary layout documented in spec.md §4.2.
func (s *Source) parseAndDispatch(buf []byte) {
	for offset := 0; offset+inotifyEventSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break // truncated event; stop parsing this buffer
			}
			nameBytes := buf[offset : offset+int(ev.Len)]
			name = strings.TrimRight(string(nameBytes), "\x00")
			offset += int(ev.Len)
		}

		s.dispatch(int(ev.Wd), ev.Mask, name)
	}
}

// dispatch classifies one raw event per the table in spec.md §4.2 and
// enqueues the resulting logical event, if any.
func (s *Source) dispatch(wd int, mask uint32, name string) {
	if mask&syscall.IN_Q_OVERFLOW != 0 {
		s.logger.Error("eventsource: kernel event queue overflowed; some events may be lost")
		return
	}

	if mask&syscall.IN_IGNORED != 0 {
		return // kernel autonomously dropped the watch; not user-visible
	}

	base, ok := s.table.LookupPath(wd)
	if !ok {
		return
	}
	path := base + name

	isDir := mask&syscall.IN_ISDIR != 0

	switch {
	case isDir && (mask&syscall.IN_CREATE != 0 || mask&syscall.IN_MOVED_TO != 0):
		path = ensureTrailingSlash(path)
		s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindDirAdded, Payload: path})
		if err := s.addWatch(path); err != nil {
			s.captureError(err)
			s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindError, Payload: err.Error()})
		}

	case (isDir && mask&syscall.IN_MOVED_FROM != 0) || mask&syscall.IN_DELETE_SELF != 0:
		// IN_DELETE_SELF only arrives on directory watches, and without IN_ISDIR.
		path = ensureTrailingSlash(path)
		s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindDirRemoved, Payload: path})
		if err := s.removeWatch(path); err != nil {
			s.captureError(err)
			s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindError, Payload: err.Error()})
		}

	case !isDir && mask&syscall.IN_CREATE != 0:
		s.creating[path] = struct{}{}

	case !isDir && mask&syscall.IN_MODIFY != 0:
		if _, inCreation := s.creating[path]; !inCreation {
			s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindChanged, Payload: path})
		}

	case !isDir && mask&syscall.IN_MOVED_TO != 0:
		// moved-in is always complete on arrival, with or without a
		// preceding create (spec.md §4.2 rationale).
		delete(s.creating, path)
		s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: path})

	case !isDir && mask&syscall.IN_CLOSE_WRITE != 0:
		if _, inCreation := s.creating[path]; inCreation {
			delete(s.creating, path)
			s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: path})
		} else {
			s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindChanged, Payload: path})
		}

	case !isDir && (mask&syscall.IN_DELETE != 0 || mask&syscall.IN_MOVED_FROM != 0):
		delete(s.creating, path)
		s.queue.Enqueue(eventqueue.Event{Kind: eventqueue.KindRemoved, Payload: path})

	default:
		// unrecognised flag combination; ignore
	}
}

func ensureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
