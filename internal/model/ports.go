package model

import (
	"context"

	"github.com/shopspring/decimal"
)

// ── Ports ──
// These interfaces decouple the core components from each other and from
// concrete transports (Redis, WebSocket, HTTP).

// PriceSource exposes the most recent trade price of the active symbol.
type PriceSource interface {
	// LastPrice returns false until the first price has been observed.
	LastPrice() (decimal.Decimal, bool)
}

// CandleSource exposes a point-in-time copy of the candle window.
type CandleSource interface {
	Snapshot() []Candle
}

// Publisher forwards UI events to an out-of-process bus.
type Publisher interface {
	// Publish sends payload on channel. Implementations must not block
	// the caller for longer than their own timeout.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Close releases underlying resources.
	Close() error
}
