package feedsim

import (
	"encoding/json"
	"sync"
)

type client struct {
	streams  map[string]bool
	combined bool
	send     chan []byte
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register(streams map[string]bool, combined bool) *client {
	c := &client{streams: streams, combined: combined, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unregister is safe to call more than once.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends data to every client subscribed to stream, wrapping it in
// the combined-stream envelope where requested. Slow clients drop messages.
func (h *hub) broadcast(stream string, data []byte) {
	var envelope []byte
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.streams[stream] {
			continue
		}
		msg := data
		if c.combined {
			if envelope == nil {
				envelope, _ = json.Marshal(struct {
					Stream string          `json:"stream"`
					Data   json.RawMessage `json:"data"`
				}{stream, data})
			}
			msg = envelope
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}
