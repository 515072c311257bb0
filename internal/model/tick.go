package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a standalone last-trade price update from the feed.
// It moves the last price without touching candle state.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     time.Time       `json:"ts"`
}
