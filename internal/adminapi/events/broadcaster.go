// Package events provides a live WebSocket feed of Port Registry activity
// for the admin introspection API, adapted from the teacher's dashboard
// alert broadcaster: a hand-rolled RFC 6455 server (no external WebSocket
// dependency in the teacher's own stack) fanning JSON messages out to every
// connected client with non-blocking per-client sends.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PortEvent is the JSON envelope pushed to connected clients for every
// registry mutation (register, unregister, busy, error).
type PortEvent struct {
	Type      string    `json:"type"`
	Port      int       `json:"port"`
	AgentID   uuid.UUID `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Client represents a single connected WebSocket client.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel of JSON-encoded event frames. Closed
// when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans PortEvents out to every currently-connected client. Safe
// for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize <= 0 selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates and stores a new Client with the given id.
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

// Unregister removes and releases the client with id. No-op for unknown ids.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		v.(*Client).closeSend()
		b.clientCnt.Add(-1)
	}
}

func (c *Client) closeSend() { close(c.send) }

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals ev to JSON and delivers it to every client with a
// non-blocking send; a client whose buffer is full has the event dropped and
// its Dropped counter incremented.
func (b *Broadcaster) Broadcast(ev PortEvent) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("events: marshal failed", slog.Any("error", err))
		return
	}
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("events: client buffer full, dropping event", slog.String("client_id", c.id))
		}
		return true
	})
}

// Close releases every registered client, closing their Send channels.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			value.(*Client).closeSend()
			b.clientCnt.Add(-1)
			return true
		})
	})
}
