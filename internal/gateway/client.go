package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxInbound   = 4096
	clientBuffer = 256
)

// Client is one dashboard connection. Outbound envelopes queue on send and
// are written by writePump; readPump handles subscription changes and pings.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	filterMu sync.RWMutex
	filter   map[string]bool // nil or empty: all channels
}

// controlMsg is the only inbound message shape:
//
//	{"type":"SUBSCRIBE","channels":["price","candle"]}
//	{"type":"UNSUBSCRIBE","channels":["log"]}
//	{"ping":1700000000000}
type controlMsg struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Ping     int64    `json:"ping"`
}

type pongMsg struct {
	Pong     int64 `json:"pong"`
	ServerTS int64 `json:"server_ts"`
}

func (c *Client) wants(channel string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return len(c.filter) == 0 || c.filter[channel]
}

func (c *Client) subscribe(channels []string, on bool) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if on && c.filter == nil {
		c.filter = make(map[string]bool, len(channels))
	}
	for _, ch := range channels {
		if on {
			c.filter[ch] = true
		} else {
			delete(c.filter, ch)
		}
	}
}

// queueInitialState fills send with the desk snapshot followed by the last
// value of each channel newer than lastTS. It runs before the client is
// visible to the broadcaster.
func (c *Client) queueInitialState(lastTS string) {
	since, _ := time.Parse(time.RFC3339Nano, lastTS)

	c.hub.mu.RLock()
	snap := c.hub.snapshot
	seq := c.hub.seq
	latest := make(map[string]latestEntry, len(c.hub.latest))
	for ch, e := range c.hub.latest {
		latest[ch] = e
	}
	c.hub.mu.RUnlock()

	if snap != nil {
		if data, err := json.Marshal(snap()); err == nil {
			c.send <- buildEnvelope(ChannelSnapshot, data, time.Now().UTC(), seq, 0, true)
		}
	}
	for ch, e := range latest {
		// log history is part of the snapshot
		if ch == ChannelLog || !e.TS.After(since) {
			continue
		}
		select {
		case c.send <- buildEnvelope(ch, e.Data, e.TS, seq, e.Seq, true):
		default:
		}
	}
}

func (c *Client) handleControl(raw []byte) {
	var msg controlMsg
	if json.Unmarshal(raw, &msg) != nil {
		return
	}
	switch msg.Type {
	case "SUBSCRIBE":
		c.subscribe(msg.Channels, true)
	case "UNSUBSCRIBE":
		c.subscribe(msg.Channels, false)
	default:
		if msg.Ping <= 0 {
			return
		}
		pong, _ := json.Marshal(pongMsg{Pong: msg.Ping, ServerTS: time.Now().UnixMilli()})
		select {
		case c.send <- pong:
		default:
		}
	}
}

func (c *Client) writePump() {
	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()
	defer c.conn.Close()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, open := <-c.send:
			if !open {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			payload = msg
		case <-keepalive.C:
			kind = websocket.PingMessage
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.conn.Close()
	defer c.hub.RemoveClient(c)

	c.conn.SetReadLimit(maxInbound)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleControl(raw)
	}
}
