package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WS channels.
const (
	ChannelLog        = "log"
	ChannelPrice      = "price"
	ChannelCandle     = "candle"
	ChannelCandles    = "candles" // full window after a resync
	ChannelRun        = "run"
	ChannelFeed       = "feed"
	ChannelIndicators = "indicators"
	ChannelBalance    = "balance"
	ChannelSnapshot   = "snapshot"
)

// Hub is the dashboard push side of the desk. The session publishes feed,
// indicator, ledger, run and journal updates through Broadcast, and each
// connected client receives them as envelopes. A full client queue drops the
// message; publishers never wait on a browser.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	channelSeqs map[string]int64         // gap detection on the client
	replayBufs  map[string]*ReplayBuffer // served by /api/missed

	snapshot func() any

	dropped atomic.Uint64

	// Lag holds price tick age at fan-out.
	Lag *LagTracker

	Broadcaster *Broadcaster

	// OnClients is called with the client count after connects and
	// disconnects. OnDrop is called for each message dropped on a full
	// client queue.
	OnClients func(n int)
	OnDrop    func()
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		Lag:         NewLagTracker(4096),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// SetSnapshot installs the provider of the initial state sent to every new
// client on the snapshot channel.
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Broadcast JSON-encodes v and fans it out on channel.
func (h *Hub) Broadcast(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal failed", slog.String("component", "gateway"), slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	h.Broadcaster.Broadcast(channel, data)
}

// Attach takes ownership of an upgraded connection. Before any live traffic
// the client gets the desk snapshot plus the last value of each channel
// published after lastTS (RFC 3339, empty for all).
func (h *Hub) Attach(conn *websocket.Conn, lastTS string) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
		hub:  h,
	}
	c.queueInitialState(lastTS)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("ws client connected", slog.String("component", "gateway"), slog.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}

	go c.writePump()
	go c.readPump()
	return c
}

// RemoveClient detaches c and closes its queue. Repeated calls are no-ops.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)

	slog.Info("ws client disconnected", slog.String("component", "gateway"), slog.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// GetLatestAll returns the latest payload of every channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// GetReplayRange returns buffered envelopes of channel with channel_seq in
// [fromSeq, toSeq].
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) []json.RawMessage {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Range(fromSeq, toSeq)
}

// GetChannelSeq returns the current sequence number of channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages slow clients have dropped.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
