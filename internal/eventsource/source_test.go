//go:build linux

package eventsource_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clockwork/fpe/internal/eventqueue"
	"github.com/clockwork/fpe/internal/eventsource"
	"github.com/clockwork/fpe/internal/logging"
)

func waitFor(t *testing.T, q *eventqueue.Queue, kind eventqueue.Kind, timeout time.Duration) eventqueue.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		done := make(chan eventqueue.Event, 1)
		go func() { done <- q.Dequeue() }()
		select {
		case evt := <-done:
			if evt.Kind == kind {
				return evt
			}
			if evt.Kind == eventqueue.KindNone {
				t.Fatalf("queue drained before a %v event arrived", kind)
			}
		case <-deadline:
			t.Fatalf("no %v event received within %v", kind, timeout)
		}
	}
}

func newSource(t *testing.T, root string, maxDepth int) (*eventsource.Source, *eventqueue.Queue) {
	t.Helper()
	q := eventqueue.New()
	src, err := eventsource.New(root+"/", maxDepth, logging.Nop(), q)
	if err != nil {
		t.Fatalf("eventsource.New: %v", err)
	}
	t.Cleanup(src.Destroy)
	return src, q
}

func TestDetectsFileCreateThenCloseWriteAsAdded(t *testing.T) {
	dir := t.TempDir()
	src, q := newSource(t, dir, -1)

	go src.Run(func() bool { return false }, func() {})
	defer src.WakeForStop()

	target := filepath.Join(dir, "incoming.txt")
	if err := os.WriteFile(target, []byte("payload"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	evt := waitFor(t, q, eventqueue.KindAdded, 2*time.Second)
	if evt.Payload != target {
		t.Fatalf("Payload = %q, want %q", evt.Payload, target)
	}
}

func TestModifyWithoutCreateIsChanged(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "preexisting.txt")
	if err := os.WriteFile(target, []byte("v1"), 0o600); err != nil {
		t.Fatalf("WriteFile (setup): %v", err)
	}

	src, q := newSource(t, dir, -1)
	go src.Run(func() bool { return false }, func() {})
	defer src.WakeForStop()

	f, err := os.OpenFile(target, os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("v2"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	// A plain in-place modify of a file the source never saw created must
	// surface as "changed", both for IN_MODIFY and for the subsequent
	// IN_CLOSE_WRITE (which is only promoted to "added" when the path was
	// in the Creation Set).
	deadline := time.After(2 * time.Second)
	for {
		done := make(chan eventqueue.Event, 1)
		go func() { done <- q.Dequeue() }()
		select {
		case evt := <-done:
			switch evt.Kind {
			case eventqueue.KindChanged:
				return
			case eventqueue.KindAdded:
				t.Fatalf("got Added for a file never seen created; want Changed")
			}
		case <-deadline:
			t.Fatal("no changed event received within 2 seconds")
		}
	}
}

func TestDetectsFileDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "ephemeral.txt")
	if err := os.WriteFile(target, []byte("data"), 0o600); err != nil {
		t.Fatalf("WriteFile (setup): %v", err)
	}

	src, q := newSource(t, dir, -1)
	go src.Run(func() bool { return false }, func() {})
	defer src.WakeForStop()

	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	evt := waitFor(t, q, eventqueue.KindRemoved, 2*time.Second)
	if evt.Payload != target {
		t.Fatalf("Payload = %q, want %q", evt.Payload, target)
	}
}

func TestDetectsSubdirectoryCreateAndWatchesIt(t *testing.T) {
	dir := t.TempDir()
	src, q := newSource(t, dir, -1)
	go src.Run(func() bool { return false }, func() {})
	defer src.WakeForStop()

	sub := filepath.Join(dir, "child")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	waitFor(t, q, eventqueue.KindDirAdded, 2*time.Second)

	// The new subdirectory must now be watched: a file created inside it
	// is detected without any extra setup.
	inner := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(inner, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	evt := waitFor(t, q, eventqueue.KindAdded, 2*time.Second)
	if evt.Payload != inner {
		t.Fatalf("Payload = %q, want %q", evt.Payload, inner)
	}
}

func TestMaxDepthZeroIgnoresNestedSubdirectories(t *testing.T) {
	dir := t.TempDir()
	src, q := newSource(t, dir, 0)
	go src.Run(func() bool { return false }, func() {})
	defer src.WakeForStop()

	sub := filepath.Join(dir, "child")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	waitFor(t, q, eventqueue.KindDirAdded, 2*time.Second)

	if src.TableSize() != 1 {
		t.Fatalf("TableSize() = %d, want 1 (root only, child beyond max_depth 0)", src.TableSize())
	}

	// A file created inside the un-watched child must produce no event;
	// confirm the queue stays empty for a short window.
	inner := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(inner, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-drain(q):
		t.Fatal("unexpected event from a directory beyond max_depth")
	case <-time.After(300 * time.Millisecond):
	}
}

func drain(q *eventqueue.Queue) <-chan eventqueue.Event {
	ch := make(chan eventqueue.Event, 1)
	go func() {
		evt := q.Dequeue()
		if evt.Kind != eventqueue.KindNone {
			ch <- evt
		}
	}()
	return ch
}

func TestWakeForStopUnblocksRun(t *testing.T) {
	dir := t.TempDir()
	src, _ := newSource(t, dir, -1)

	done := make(chan struct{})
	go func() {
		src.Run(func() bool { return false }, func() {})
		close(done)
	}()

	src.WakeForStop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after WakeForStop")
	}
}
