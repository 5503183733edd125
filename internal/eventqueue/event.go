// Package eventqueue defines the logical event taxonomy that is the
// boundary type between the Event Source and the Watcher's consumers, and
// the bounded, condition-signalled queue that carries it across threads.
package eventqueue

// Kind is the logical classification of an event crossing the watcher
// boundary. It deliberately does not distinguish which raw kernel event(s)
// produced it — that detail is internal to the Event Source.
type Kind int

const (
	// KindNone is the sentinel kind returned when draining a stopped queue
	// with no data left in it.
	KindNone Kind = iota
	// KindAdded marks a file that has completed arriving (create+close-write
	// or an atomic moved-in).
	KindAdded
	// KindChanged marks a file modified in place, or one modified without a
	// preceding create (e.g. after a moved-in with no subsequent create).
	KindChanged
	// KindRemoved marks a file deleted from a watched directory.
	KindRemoved
	// KindDirAdded marks a new subdirectory entering the watched subtree.
	KindDirAdded
	// KindDirRemoved marks a watched subdirectory leaving the subtree
	// (removed or moved out).
	KindDirRemoved
	// KindError marks a terminal error in the Event Source; Payload carries
	// a human-readable message.
	KindError
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAdded:
		return "added"
	case KindChanged:
		return "changed"
	case KindRemoved:
		return "removed"
	case KindDirAdded:
		return "dir-added"
	case KindDirRemoved:
		return "dir-removed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the logical event crossing the Event Source → Watcher → Task
// Runner boundary. Payload is an absolute filesystem path for file/dir
// events, a human-readable message for KindError, and empty for KindNone.
type Event struct {
	Kind    Kind
	Payload string
}

// None is the zero-value sentinel event, returned by Dequeue when the queue
// is empty and the producer has stopped.
var None = Event{Kind: KindNone}
