package eventqueue_test

import (
	"testing"
	"time"

	"github.com/clockwork/fpe/internal/eventqueue"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := eventqueue.New()
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/a"})
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/b"})

	if got := q.Dequeue(); got.Payload != "/a" {
		t.Fatalf("first dequeue = %+v, want /a", got)
	}
	if got := q.Dequeue(); got.Payload != "/b" {
		t.Fatalf("second dequeue = %+v, want /b", got)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := eventqueue.New()

	done := make(chan eventqueue.Event, 1)
	go func() { done <- q.Dequeue() }()

	select {
	case <-done:
		t.Fatal("Dequeue returned before any event was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindChanged, Payload: "/c"})

	select {
	case evt := <-done:
		if evt.Payload != "/c" {
			t.Fatalf("evt = %+v, want /c", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue never woke after Enqueue")
	}
}

func TestStopWakesBlockedDequeue(t *testing.T) {
	q := eventqueue.New()

	done := make(chan eventqueue.Event, 1)
	go func() { done <- q.Dequeue() }()

	time.Sleep(20 * time.Millisecond)
	q.Stop()

	select {
	case evt := <-done:
		if evt.Kind != eventqueue.KindNone {
			t.Fatalf("evt.Kind = %v, want KindNone", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue never woke after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	q := eventqueue.New()
	q.Stop()
	q.Stop() // must not panic or deadlock
}

func TestEnqueueAfterStopIsNoop(t *testing.T) {
	q := eventqueue.New()
	q.Stop()
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/late"})

	if got := q.Dequeue(); got.Kind != eventqueue.KindNone {
		t.Fatalf("Dequeue() = %+v, want KindNone", got)
	}
}

func TestStopDrainsExistingItemsBeforeNone(t *testing.T) {
	q := eventqueue.New()
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/pending"})
	q.Stop()

	if got := q.Dequeue(); got.Payload != "/pending" {
		t.Fatalf("Dequeue() = %+v, want the pre-stop pending item", got)
	}
	if got := q.Dequeue(); got.Kind != eventqueue.KindNone {
		t.Fatalf("Dequeue() after drain = %+v, want KindNone", got)
	}
}

func TestEnqueueDropsOldestAtCapacity(t *testing.T) {
	q := eventqueue.NewCapacity(2)
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/1"})
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/2"})
	q.Enqueue(eventqueue.Event{Kind: eventqueue.KindAdded, Payload: "/3"})

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if got := q.Dequeue(); got.Payload != "/2" {
		t.Fatalf("oldest surviving item = %+v, want /2", got)
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []eventqueue.Kind{
		eventqueue.KindNone, eventqueue.KindAdded, eventqueue.KindChanged,
		eventqueue.KindRemoved, eventqueue.KindDirAdded, eventqueue.KindDirRemoved,
		eventqueue.KindError,
	}
	for _, k := range kinds {
		if k.String() == "unknown" {
			t.Fatalf("Kind(%d).String() = unknown", k)
		}
	}
}
