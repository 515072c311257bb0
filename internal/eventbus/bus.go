// Package eventbus forwards UI events (journal entries, price ticks, run
// state) to Redis pub/sub so out-of-process consumers can follow a session.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"cryptodesk/internal/model"
)

// Channel names on the bus.
const (
	ChannelLog   = "cryptodesk:log"
	ChannelPrice = "cryptodesk:price"
	ChannelRun   = "cryptodesk:run"
)

// Event is one message queued for publication.
type Event struct {
	Channel string
	Payload []byte
}

// Bus decouples producers from the publisher with a bounded queue. Emit never
// blocks: when the queue is full the event is dropped.
type Bus struct {
	pub   model.Publisher
	queue chan Event

	dropped atomic.Uint64

	// OnDrop is called when an event is dropped on a full queue.
	OnDrop func(channel string)
	// OnError is called when the publisher fails.
	OnError func(error)
}

// New creates a Bus in front of pub with a queue of size events.
func New(pub model.Publisher, size int) *Bus {
	if size <= 0 {
		size = 1024
	}
	return &Bus{
		pub:   pub,
		queue: make(chan Event, size),
	}
}

// Emit JSON-encodes v and queues it for channel.
func (b *Bus) Emit(channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("event marshal failed", slog.String("component", "eventbus"), slog.String("error", err.Error()))
		return
	}
	select {
	case b.queue <- Event{Channel: channel, Payload: payload}:
	default:
		b.dropped.Add(1)
		if b.OnDrop != nil {
			b.OnDrop(channel)
		}
	}
}

// Run publishes queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			if err := b.pub.Publish(ctx, ev.Channel, ev.Payload); err != nil {
				if b.OnError != nil {
					b.OnError(err)
				} else {
					slog.Warn("event publish failed",
						slog.String("component", "eventbus"),
						slog.String("channel", ev.Channel),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// Dropped returns how many events were dropped on a full queue.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes the underlying publisher.
func (b *Bus) Close() error { return b.pub.Close() }
