// Package live provides the in-process WebSocket broadcaster that streams
// dispatched events to connected operators without blocking the Task
// Runner's monitor loop (spec.md §5: observers must never back-pressure
// dispatch).
//
// Grounded on the teacher's internal/server/websocket/broadcaster.go: each
// client gets a dedicated buffered channel, a non-blocking send drops the
// frame for a slow client rather than stalling the broadcast, and clients
// are tracked in a sync.Map so Broadcast never takes a global lock on the
// hot path.
package live

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clockwork/fpe/internal/eventqueue"
	"github.com/clockwork/fpe/internal/logging"
)

// Message is the JSON envelope pushed to connected WebSocket clients for
// every dispatched "added" event.
type Message struct {
	Type      string `json:"type"`
	Task      string `json:"task"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
}

// Client represents a single connected WebSocket client.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel of JSON-encoded frames, closed when
// the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans dispatched events out to every currently connected
// WebSocket client. Safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  logging.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize <= 0 defaults to 64.
func NewBroadcaster(logger logging.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates and stores a new Client. Callers must call Unregister
// when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its Send channel. A no-op for
// an unknown id.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg and delivers it to every client with a
// non-blocking send; a full client buffer drops the frame and increments
// that client's Dropped counter.
func (b *Broadcaster) Broadcast(msg Message) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("live: marshal failed", "error", err)
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Error("live: client buffer full, dropping frame", "client_id", c.id)
		}
		return true
	})
}

// Publish converts a dispatched event into a Message and broadcasts it.
func (b *Broadcaster) Publish(evt eventqueue.Event, taskName string, success bool) {
	b.Broadcast(Message{
		Type:      "event",
		Task:      taskName,
		Path:      evt.Payload,
		Kind:      evt.Kind.String(),
		Success:   success,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Close unregisters and closes every client's channel. After Close,
// Broadcast and Publish are no-ops.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
