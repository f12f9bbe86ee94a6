// Package eventbus implements the Event Bus (C9): fan-out of host
// notifications to UI clients over coder/websocket, each with its own
// heartbeat. Grounded on the teacher's internal/gateway client/broadcast
// bookkeeping (clientsMu-guarded set, add/remove-on-failure) and its
// internal/bus dropped-event exponential-threshold warning pattern, applied
// here to a slow client's own send buffer rather than an in-process
// channel fan-out.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const sendBuffer = 32

// sendTimeout bounds how long Broadcast waits on a single client's send
// queue before giving up on it (spec: "if a send blocks past a reasonable
// short timeout, the client is considered gone").
const sendTimeout = 200 * time.Millisecond

// HeartbeatMessage is sent to every client on the configured interval.
type HeartbeatMessage struct {
	Type string `json:"type"`
}

// Client is an entry in the Event Bus's active set (spec §3's
// ClientConnection): a live websocket plus the cancel signal for its
// heartbeat loop.
type Client struct {
	id   uint64
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Bus fans Broadcast messages out to every connected Client and runs one
// heartbeat goroutine per client.
type Bus struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration

	mu      sync.RWMutex
	clients map[*Client]struct{}
	nextID  atomic.Uint64

	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New constructs a Bus. heartbeatInterval defaults to 10 seconds (spec
// §4.9).
func New(logger *slog.Logger, heartbeatInterval time.Duration) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &Bus{
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		clients:           make(map[*Client]struct{}),
	}
}

// Connect accepts an active duplex connection, adds it to the active set,
// and launches its writer and heartbeat goroutines. The caller owns conn's
// lifecycle up to Accept; Bus owns it from here until Disconnect.
func (b *Bus) Connect(conn *websocket.Conn) *Client {
	c := &Client{
		id:   b.nextID.Add(1),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.writeLoop(c)
	go b.heartbeatLoop(c)

	b.logger.Info("eventbus: client connected", "client_id", c.id, "active", b.ClientCount())
	return c
}

// Disconnect removes client from the set, cancels its heartbeat and writer
// goroutines, and closes the underlying connection. Never throws (spec
// §4.9): repeat or concurrent calls are safe no-ops beyond the first.
func (b *Bus) Disconnect(c *Client) {
	b.mu.Lock()
	_, existed := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()

	c.close()
	if existed {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
		b.logger.Info("eventbus: client disconnected", "client_id", c.id, "active", b.ClientCount())
	}
}

// ClientCount reports the current active set size.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast delivers message to every connected client's send queue in
// submission order per client (spec §4.9's ordering guarantee). A client
// whose queue is still full after sendTimeout is considered gone and is
// disconnected, matching "if a send blocks past a reasonable short timeout,
// the client is considered gone".
func (b *Bus) Broadcast(message any) {
	raw, err := json.Marshal(message)
	if err != nil {
		b.logger.Error("eventbus: broadcast marshal failed", "error", err)
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- raw:
		case <-c.done:
			// Already being torn down by another path; nothing to do.
		case <-time.After(sendTimeout):
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, c.id)
			b.logger.Warn("eventbus: disconnecting saturated client", "client_id", c.id)
			b.Disconnect(c)
		}
	}
}

// DroppedEventCount returns the total number of broadcast messages dropped
// because a client's send buffer was full.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

func (b *Bus) writeLoop(c *Client) {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			if err := writeRaw(ctx, c.conn, raw); err != nil {
				b.logger.Warn("eventbus: write failed, disconnecting client", "client_id", c.id, "error", err)
				b.Disconnect(c)
				return
			}
		}
	}
}

func (b *Bus) heartbeatLoop(c *Client) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			raw, err := json.Marshal(HeartbeatMessage{Type: "heartbeat"})
			if err != nil {
				continue
			}
			select {
			case c.send <- raw:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, c.id)
			}
		}
	}
}

func writeRaw(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	var v json.RawMessage = raw
	return wsjson.Write(ctx, conn, v)
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at
// or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeLogDropWarning(newCount int64, clientID uint64) {
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("eventbus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.Uint64("client_id", clientID),
		)
	}
}
