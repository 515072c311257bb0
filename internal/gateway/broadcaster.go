package gateway

import (
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Broadcaster stamps payloads with sequence numbers, records them for replay
// and hands them to subscribed clients.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast publishes data, an already encoded JSON value, on channel.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	at := b.now().UTC()
	if channel == ChannelPrice {
		b.observeLag(data, at)
	}
	env := b.record(channel, data, at)
	b.deliver(channel, env)
}

// observeLag measures how old a price tick is when it reaches fan-out.
func (b *Broadcaster) observeLag(data []byte, at time.Time) {
	if b.hub.Lag == nil {
		return
	}
	ts := gjson.GetBytes(data, "ts")
	if !ts.Exists() {
		return
	}
	if tickAt, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
		b.hub.Lag.Observe(at.Sub(tickAt))
	}
}

// record advances both sequences, remembers data as the channel's latest
// value and appends the envelope to the channel's replay ring.
func (b *Broadcaster) record(channel string, data []byte, at time.Time) []byte {
	h := b.hub
	h.mu.Lock()
	h.seq++
	h.channelSeqs[channel]++
	seq, chSeq := h.seq, h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: at, Seq: chSeq}
	ring := h.replayBufs[channel]
	if ring == nil {
		ring = NewReplayBuffer(replayDepth)
		h.replayBufs[channel] = ring
	}
	h.mu.Unlock()

	env := buildEnvelope(channel, data, at, seq, chSeq, false)
	ring.Push(chSeq, env)
	return env
}

func (b *Broadcaster) deliver(channel string, env []byte) {
	h := b.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(channel) {
			continue
		}
		select {
		case c.send <- env:
		default:
			h.dropped.Add(1)
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// buildEnvelope writes the wire form
//
//	{"channel":C,"data":D,"ts":T,"seq":N,"channel_seq":M[,"initial":true]}
//
// without going through encoding/json; data is embedded verbatim.
func buildEnvelope(channel string, data []byte, at time.Time, seq, chSeq int64, initial bool) []byte {
	out := make([]byte, 0, 128+len(channel)+len(data))
	out = append(out, `{"channel":`...)
	out = strconv.AppendQuote(out, channel)
	out = append(out, `,"data":`...)
	out = append(out, data...)
	out = append(out, `,"ts":"`...)
	out = at.AppendFormat(out, time.RFC3339Nano)
	out = append(out, `","seq":`...)
	out = strconv.AppendInt(out, seq, 10)
	out = append(out, `,"channel_seq":`...)
	out = strconv.AppendInt(out, chSeq, 10)
	if initial {
		out = append(out, `,"initial":true`...)
	}
	return append(out, '}')
}
