package model

import (
	"fmt"
	"math"
	"time"
)

// Candle represents one OHLC bar of a symbol/interval stream.
// OpenTime is the bucket start in epoch milliseconds (exchange time).
type Candle struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
}

// Time returns OpenTime as a UTC time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Validate rejects candles that must never reach a buffer: non-finite or
// non-positive prices, inverted ranges, or a missing open time.
func (c Candle) Validate() error {
	if c.OpenTime <= 0 {
		return fmt.Errorf("%w: candle open time %d", ErrData, c.OpenTime)
	}
	for _, p := range [...]struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}} {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) || p.v <= 0 {
			return fmt.Errorf("%w: candle %d %s=%v", ErrData, c.OpenTime, p.name, p.v)
		}
	}
	if c.High < c.Low {
		return fmt.Errorf("%w: candle %d high %v < low %v", ErrData, c.OpenTime, c.High, c.Low)
	}
	if c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
		return fmt.Errorf("%w: candle %d open/close outside [low, high]", ErrData, c.OpenTime)
	}
	return nil
}

// Closes extracts the close prices of candles in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
